package census

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/mihiarc/socialmapper/internal/fetcher"
	"github.com/mihiarc/socialmapper/internal/geometry"
	"github.com/mihiarc/socialmapper/internal/model"
	"github.com/mihiarc/socialmapper/internal/resilience"
)

// TIGER/Line archive locations. The HTTP mirror is preferred; the FTP site
// serves the same tree when the mirror is unavailable.
const (
	tigerLineHTTPBase = "https://www2.census.gov/geo/tiger"
	tigerLineFTPBase  = "ftp://ftp2.census.gov/geo/tiger"
)

// ShapefileLoader ingests TIGER/Line shapefile archives for offline use,
// when TIGERweb is unreachable or a specific vintage is required.
type ShapefileLoader struct {
	ftp  *fetcher.FTPFetcher
	dir  string
	year int
}

// NewShapefileLoader creates a loader that caches archives under dir.
func NewShapefileLoader(ftp *fetcher.FTPFetcher, dir string, year int) *ShapefileLoader {
	return &ShapefileLoader{ftp: ftp, dir: dir, year: year}
}

// archivePath returns the TIGER/Line tree path for a level and state, e.g.
// TIGER2023/BG/tl_2023_06_bg.zip.
func (l *ShapefileLoader) archivePath(level model.GeographyLevel, stateFIPS string) (string, error) {
	switch level {
	case model.LevelBlockGroup:
		return fmt.Sprintf("TIGER%d/BG/tl_%d_%s_bg.zip", l.year, l.year, stateFIPS), nil
	case model.LevelTract:
		return fmt.Sprintf("TIGER%d/TRACT/tl_%d_%s_tract.zip", l.year, l.year, stateFIPS), nil
	case model.LevelCounty:
		return fmt.Sprintf("TIGER%d/COUNTY/tl_%d_us_county.zip", l.year, l.year), nil
	case model.LevelZCTA:
		return fmt.Sprintf("TIGER%d/ZCTA520/tl_%d_us_zcta520.zip", l.year, l.year), nil
	default:
		return "", eris.Errorf("census: no TIGER/Line product for level %q", level)
	}
}

// Units downloads (if needed) and parses the TIGER/Line archive for the
// given level, filtered to stateFIPS for the nationwide products.
func (l *ShapefileLoader) Units(ctx context.Context, level model.GeographyLevel, stateFIPS string) ([]model.GeographicUnit, error) {
	rel, err := l.archivePath(level, stateFIPS)
	if err != nil {
		return nil, err
	}

	shpPath, err := l.fetchArchive(ctx, rel)
	if err != nil {
		return nil, err
	}

	units, err := parseShapefile(shpPath, level)
	if err != nil {
		return nil, err
	}

	// Nationwide products carry every state; trim to the requested one.
	if level == model.LevelCounty || level == model.LevelZCTA {
		filtered := units[:0]
		for _, u := range units {
			if u.StateFIPS == stateFIPS || (level == model.LevelZCTA && strings.HasPrefix(u.GEOID, stateFIPS)) {
				filtered = append(filtered, u)
			}
		}
		units = filtered
	}
	return units, nil
}

// fetchArchive downloads and extracts the archive at rel, returning the path
// to the extracted .shp file. Archives already on disk are reused.
func (l *ShapefileLoader) fetchArchive(ctx context.Context, rel string) (string, error) {
	log := zap.L().With(zap.String("component", "census.shapefile"), zap.String("archive", rel))

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", eris.Wrap(err, "census: create shapefile dir")
	}

	zipName := filepath.Base(rel)
	zipPath := filepath.Join(l.dir, zipName)

	if info, err := os.Stat(zipPath); err == nil && info.Size() > 0 {
		log.Debug("archive already on disk, skipping download", zap.String("path", zipPath))
	} else {
		log.Info("downloading TIGER/Line archive")
		if err := l.download(ctx, rel, zipPath); err != nil {
			return "", eris.Wrap(err, "census: download TIGER/Line archive")
		}
	}

	extractDir := filepath.Join(l.dir, strings.TrimSuffix(zipName, ".zip"))
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", eris.Wrap(err, "census: create extract dir")
	}
	if err := extractZIP(zipPath, extractDir); err != nil {
		return "", eris.Wrap(err, "census: extract archive")
	}

	return findFileByExt(extractDir, ".shp")
}

// download fetches the archive over HTTP, falling back to the Census FTP
// site when the mirror fails. Both paths retry transient failures; the FTP
// site drops connections under load.
func (l *ShapefileLoader) download(ctx context.Context, rel, dest string) error {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || strings.Contains(err.Error(), "status 5")
	}

	retryCfg.OnRetry = resilience.RetryLogger("tiger-http", rel)
	httpErr := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		return downloadHTTP(ctx, tigerLineHTTPBase+"/"+rel, dest)
	})
	if httpErr == nil {
		return nil
	}
	if l.ftp == nil {
		return httpErr
	}

	zap.L().Warn("census: http mirror failed, trying ftp", zap.String("archive", rel), zap.Error(httpErr))
	retryCfg.ShouldRetry = nil // FTP errors are opaque; retry on the transient heuristics
	retryCfg.OnRetry = resilience.RetryLogger("tiger-ftp", rel)
	err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		_, ftpErr := l.ftp.DownloadToFile(ctx, tigerLineFTPBase+"/"+rel, dest)
		return ftpErr
	})
	if err != nil {
		return eris.Wrap(err, "census: ftp fallback")
	}
	return nil
}

func downloadHTTP(ctx context.Context, url, dest string) error {
	client := &http.Client{Timeout: 10 * time.Minute}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "download")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "create file")
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(f, resp.Body); err != nil {
		return eris.Wrap(err, "write file")
	}
	return nil
}

func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}

		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}
	return nil
}

func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}

// parseShapefile reads a TIGER/Line shapefile into geographic units. Records
// without a usable polygon or GEOID are skipped.
func parseShapefile(shpPath string, level model.GeographyLevel) ([]model.GeographicUnit, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "census: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToUpper(name)] = i
	}
	attr := func(names ...string) string {
		for _, n := range names {
			if idx, ok := fieldIdx[n]; ok {
				v := strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
				if v != "" {
					return v
				}
			}
		}
		return ""
	}

	var units []model.GeographicUnit
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		poly := polygonFromShape(shape)
		if poly != nil && !geometry.Valid(poly) {
			poly = geometry.Repair(poly)
		}
		if poly == nil {
			skipped++
			continue
		}

		unit := model.GeographicUnit{
			Level:          level,
			GEOID:          attr("GEOID", "GEOID20", "ZCTA5CE20"),
			Name:           attr("NAME", "NAMELSAD", "BASENAME"),
			StateFIPS:      attr("STATEFP", "STATEFP20"),
			CountyFIPS:     attr("COUNTYFP", "COUNTYFP20"),
			TractCode:      attr("TRACTCE", "TRACTCE20"),
			BlockGroupCode: attr("BLKGRPCE", "BLKGRPCE20"),
			Geometry:       poly,
		}
		if unit.GEOID == "" {
			skipped++
			continue
		}
		units = append(units, unit)
	}

	if skipped > 0 {
		zap.L().Debug("census: skipped shapefile records",
			zap.String("level", string(level)),
			zap.Int("skipped", skipped),
		)
	}
	return units, nil
}

// polygonFromShape converts a shapefile polygon to the largest of its rings
// as a geographic polygon. Multipart shapes keep the dominant part, matching
// how TIGERweb multipolygons are handled.
func polygonFromShape(shape shp.Shape) *geom.Polygon {
	p, ok := shape.(*shp.Polygon)
	if !ok || len(p.Points) == 0 {
		return nil
	}

	var best []geom.Coord
	bestArea := 0.0
	for part := 0; part < len(p.Parts); part++ {
		start := int(p.Parts[part])
		end := len(p.Points)
		if part+1 < len(p.Parts) {
			end = int(p.Parts[part+1])
		}
		if end-start < 4 {
			continue
		}

		ring := make([]geom.Coord, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, geom.Coord{pt.X, pt.Y})
		}
		if !ring[0].Equal(geom.XY, ring[len(ring)-1]) {
			ring = append(ring, ring[0])
		}

		if a := ringArea(ring); a > bestArea {
			best, bestArea = ring, a
		}
	}
	if best == nil {
		return nil
	}

	poly := geom.NewPolygon(geom.XY).SetSRID(4326)
	if err := poly.Push(geom.NewLinearRing(geom.XY).MustSetCoords(best)); err != nil {
		return nil
	}
	return poly
}

func ringArea(ring []geom.Coord) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	if sum < 0 {
		sum = -sum
	}
	return sum / 2
}
