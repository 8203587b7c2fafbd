package lineage

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/taxon"
)

// jsonlRecord is the flat JSON Lines shape produced by the taxonomy export:
// {"taxid": 562, "genus_taxid": 561, "genus_name": "Escherichia", ...}
// Absent rank ids default to that rank's missing id.
type jsonlRecord map[string]json.RawMessage

// ReadRecords parses JSON Lines lineage rows. versionStart/versionEnd fill rows
// that omit their own range. Blank lines and lines starting with '#' are skipped.
func ReadRecords(r io.Reader, versionStart, versionEnd string) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var row jsonlRecord
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid JSON", line)
		}
		rec, err := row.toRecord(versionStart, versionEnd)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read lineage records")
	}
	return records, nil
}

func (row jsonlRecord) toRecord(versionStart, versionEnd string) (Record, error) {
	var rec Record
	if err := row.decode("taxid", &rec.TaxID); err != nil {
		return Record{}, err
	}
	if rec.TaxID == 0 {
		return Record{}, errors.NewInvalidRequestError("missing taxid")
	}

	rec.VersionStart, rec.VersionEnd = versionStart, versionEnd
	if err := row.decode("version_start", &rec.VersionStart); err != nil {
		return Record{}, err
	}
	if err := row.decode("version_end", &rec.VersionEnd); err != nil {
		return Record{}, err
	}
	if err := row.decode("is_phage", &rec.IsPhage); err != nil {
		return Record{}, err
	}

	for _, rank := range taxon.Ranks {
		name := rank.String()
		entry := taxon.MissingEntry(rank)
		if err := row.decode(name+"_taxid", &entry.TaxID); err != nil {
			return Record{}, err
		}
		if err := row.decode(name+"_name", &entry.Name); err != nil {
			return Record{}, err
		}
		if err := row.decode(name+"_common_name", &entry.CommonName); err != nil {
			return Record{}, err
		}
		rec.Ancestors[rank.Index()] = entry
	}

	// Phage status follows the family unless the row states it
	if _, ok := row["is_phage"]; !ok {
		rec.IsPhage = taxon.IsPhageFamily(rec.Ancestor(taxon.Family).TaxID)
	}
	return rec, nil
}

// decode unmarshals key into dst when present and non-null
func (row jsonlRecord) decode(key string, dst interface{}) error {
	raw, ok := row[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrapf(err, "field %s", key)
	}
	return nil
}
