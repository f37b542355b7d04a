package device

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const (
	// RandomMAC is reported for locally administered addresses.
	RandomMAC = "Random MAC"
	// UnknownVendor is reported when no prefix matches.
	UnknownVendor = "Unknown"
)

// OUIDB maps raw uppercase hex prefixes (6, 7 or 9 characters) to vendors.
type OUIDB struct {
	Entries map[string]OUIEntry
	Updated time.Time
}

type OUIEntry struct {
	Manufacturer string
	Country      string
}

// builtinOUI covers common phone, laptop and IoT vendors so the device
// list is useful without a database file.
var builtinOUI = map[string]string{
	"000393": "Apple",
	"0017F2": "Apple",
	"001EC2": "Apple",
	"0000F0": "Samsung",
	"0012FB": "Samsung",
	"001A11": "Google",
	"3C5AB4": "Google",
	"F4F5D8": "Google",
	"00E0FC": "Huawei",
	"286C07": "Xiaomi",
	"640980": "Xiaomi",
	"001B21": "Intel",
	"0016EA": "Intel",
	"B827EB": "Raspberry Pi",
	"DCA632": "Raspberry Pi",
	"240AC4": "Espressif",
	"30AEA4": "Espressif",
	"F0272D": "Amazon",
	"74C246": "Amazon",
}

// BuiltinOUI returns the built-in vendor table.
func BuiltinOUI() *OUIDB {
	db := &OUIDB{Entries: make(map[string]OUIEntry, len(builtinOUI))}
	for prefix, vendor := range builtinOUI {
		db.Entries[prefix] = OUIEntry{Manufacturer: vendor}
	}
	return db
}

// LoadOUIDB decodes a gzip-compressed gob database.
func LoadOUIDB(r io.Reader) (*OUIDB, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var db OUIDB
	if err := gob.NewDecoder(zr).Decode(&db); err != nil {
		return nil, err
	}
	return &db, nil
}

// LoadOUIFile loads a database file written in the LoadOUIDB format.
func LoadOUIFile(path string) (*OUIDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	db, err := LoadOUIDB(f)
	if err != nil {
		return nil, fmt.Errorf("decode OUI database %s: %w", path, err)
	}
	return db, nil
}

// Vendor returns the manufacturer for mac using longest prefix match.
func (db *OUIDB) Vendor(mac net.HardwareAddr) string {
	if len(mac) < 3 {
		return UnknownVendor
	}
	// locally administered bit
	if mac[0]&0x02 != 0 {
		return RandomMAC
	}
	if db == nil {
		return UnknownVendor
	}
	raw := strings.ToUpper(strings.ReplaceAll(mac.String(), ":", ""))
	for _, n := range []int{9, 7, 6} {
		if len(raw) < n {
			continue
		}
		if entry, ok := db.Entries[raw[:n]]; ok && entry.Manufacturer != "" {
			return entry.Manufacturer
		}
	}
	return UnknownVendor
}
