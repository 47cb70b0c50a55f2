package poi

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/errs"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/tracker"
	"github.com/mihiarc/socialmapper/pkg/geocode"
)

// qualityRank orders geocode confidence levels, best first.
var qualityRank = map[string]int{
	"exact":        4,
	"interpolated": 3,
	"centroid":     2,
	"approximate":  1,
}

// AddressSource geocodes a CSV of addresses into POIs.
type AddressSource struct {
	path       string
	geocoder   geocode.Client
	minQuality string
	tracker    *tracker.Tracker
}

// NewAddressSource creates a Source over an address CSV. minQuality is
// advisory: results below it are kept but logged.
func NewAddressSource(path string, geocoder geocode.Client, minQuality string, tr *tracker.Tracker) *AddressSource {
	if minQuality == "" {
		minQuality = "centroid"
	}
	return &AddressSource{path: path, geocoder: geocoder, minQuality: minQuality, tracker: tr}
}

// Produce implements Source. A geocoder transport failure is fatal for the
// batch; individual unmatched addresses go to the tracker.
func (a *AddressSource) Produce(ctx context.Context) (*model.POIBatch, error) {
	rows, addressCol, nameCol, err := readAddressCSV(a.path)
	if err != nil {
		return nil, err
	}

	batch := &model.POIBatch{}
	for i, row := range rows {
		ref := fmt.Sprintf("row-%d", i+2) // 1-based, after the header
		if addressCol >= len(row) {
			a.tracker.InvalidPoint("poi-addresses", ref, "short row")
			continue
		}
		address := strings.TrimSpace(row[addressCol])
		if address == "" {
			a.tracker.InvalidPoint("poi-addresses", ref, "empty address")
			continue
		}

		res, err := a.geocoder.GeocodeAddress(ctx, address)
		if err != nil {
			// Transport errors mean every remaining row would fail too.
			return nil, errs.Wrap(errs.KindExternalService, "poi-addresses", err, "geocoder unreachable")
		}
		if !res.Matched {
			a.tracker.InvalidPoint("poi-addresses", ref, fmt.Sprintf("no match for %q", address))
			continue
		}
		if qualityRank[res.Confidence] < qualityRank[a.minQuality] {
			zap.L().Warn("poi: geocode below requested quality",
				zap.String("address", address),
				zap.String("confidence", res.Confidence),
				zap.String("min", a.minQuality))
		}

		name := address
		if nameCol >= 0 && nameCol < len(row) && strings.TrimSpace(row[nameCol]) != "" {
			name = strings.TrimSpace(row[nameCol])
		}

		p := model.POI{
			ID:   ref,
			Name: name,
			Lat:  res.Lat,
			Lon:  res.Lon,
			Tags: map[string]string{"address": address},
		}
		if err := p.Validate(); err != nil {
			a.tracker.InvalidPoint("poi-addresses", ref, err.Error())
			continue
		}
		batch.POIs = append(batch.POIs, p)
	}

	if len(batch.POIs) == 0 {
		return nil, errs.Newf(errs.KindNoDataFound, "poi-addresses", "no address in %s geocoded successfully", a.path).
			WithSuggestions("check the address column for full street addresses")
	}
	return batch, nil
}

// readAddressCSV returns the data rows plus the address and name column
// indexes (-1 when absent).
func readAddressCSV(path string) (rows [][]string, addressCol, nameCol int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.KindConfiguration, "poi-addresses", err, "open csv")
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.KindDataProcessing, "poi-addresses", err, "parse csv")
	}
	if len(all) < 2 {
		return nil, 0, 0, errs.Newf(errs.KindNoDataFound, "poi-addresses", "no data rows in %s", path)
	}

	addressCol, nameCol = -1, -1
	for i, h := range all[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "address", "full_address", "street_address":
			if addressCol == -1 {
				addressCol = i
			}
		case "name":
			nameCol = i
		}
	}
	if addressCol == -1 {
		return nil, 0, 0, errs.Newf(errs.KindConfiguration, "poi-addresses", "no address column in %s", path).
			WithSuggestions("add a column named address, full_address, or street_address")
	}
	return all[1:], addressCol, nameCol, nil
}
