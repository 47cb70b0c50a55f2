package neighbors

// stateAdjacency maps state FIPS codes to the FIPS codes of land-bordering
// states. Covers the 50 states plus DC. Alaska and Hawaii have no land
// borders. The table is symmetric; TestStateAdjacencySymmetric enforces it.
var stateAdjacency = map[string][]string{
	"01": {"12", "13", "28", "47"},                               // AL
	"02": {},                                                     // AK
	"04": {"06", "08", "32", "35", "49"},                         // AZ
	"05": {"22", "28", "29", "40", "47", "48"},                   // AR
	"06": {"04", "32", "41"},                                     // CA
	"08": {"04", "20", "31", "35", "40", "49", "56"},             // CO
	"09": {"25", "36", "44"},                                     // CT
	"10": {"24", "34", "42"},                                     // DE
	"11": {"24", "51"},                                           // DC
	"12": {"01", "13"},                                           // FL
	"13": {"01", "12", "37", "45", "47"},                         // GA
	"15": {},                                                     // HI
	"16": {"30", "32", "41", "49", "53", "56"},                   // ID
	"17": {"18", "19", "21", "29", "55"},                         // IL
	"18": {"17", "21", "26", "39"},                               // IN
	"19": {"17", "27", "29", "31", "46", "55"},                   // IA
	"20": {"08", "29", "31", "40"},                               // KS
	"21": {"17", "18", "29", "39", "47", "51", "54"},             // KY
	"22": {"05", "28", "48"},                                     // LA
	"23": {"33"},                                                 // ME
	"24": {"10", "11", "42", "51", "54"},                         // MD
	"25": {"09", "33", "36", "44", "50"},                         // MA
	"26": {"18", "39", "55"},                                     // MI
	"27": {"19", "38", "46", "55"},                               // MN
	"28": {"01", "05", "22", "47"},                               // MS
	"29": {"05", "17", "19", "20", "21", "31", "40", "47"},       // MO
	"30": {"16", "38", "46", "56"},                               // MT
	"31": {"08", "19", "20", "29", "46", "56"},                   // NE
	"32": {"04", "06", "16", "41", "49"},                         // NV
	"33": {"23", "25", "50"},                                     // NH
	"34": {"10", "36", "42"},                                     // NJ
	"35": {"04", "08", "40", "48", "49"},                         // NM
	"36": {"09", "25", "34", "42", "50"},                         // NY
	"37": {"13", "45", "47", "51"},                               // NC
	"38": {"27", "30", "46"},                                     // ND
	"39": {"18", "21", "26", "42", "54"},                         // OH
	"40": {"05", "08", "20", "29", "35", "48"},                   // OK
	"41": {"06", "16", "32", "53"},                               // OR
	"42": {"10", "24", "34", "36", "39", "54"},                   // PA
	"44": {"09", "25"},                                           // RI
	"45": {"13", "37"},                                           // SC
	"46": {"19", "27", "30", "31", "38", "56"},                   // SD
	"47": {"01", "05", "13", "21", "28", "29", "37", "51"},       // TN
	"48": {"05", "22", "35", "40"},                               // TX
	"49": {"04", "08", "16", "32", "35", "56"},                   // UT
	"50": {"25", "33", "36"},                                     // VT
	"51": {"11", "21", "24", "37", "47", "54"},                   // VA
	"53": {"16", "41"},                                           // WA
	"54": {"21", "24", "39", "42", "51"},                         // WV
	"55": {"17", "19", "26", "27"},                               // WI
	"56": {"08", "16", "30", "31", "46", "49"},                   // WY
}

// StateNeighbors returns the FIPS codes of states bordering stateFIPS, or
// nil for unknown codes. The returned slice must not be mutated.
func StateNeighbors(stateFIPS string) []string {
	return stateAdjacency[stateFIPS]
}

// KnownState reports whether stateFIPS appears in the adjacency table.
func KnownState(stateFIPS string) bool {
	_, ok := stateAdjacency[stateFIPS]
	return ok
}
