package ingest

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// parseFixedPoint converts a base-10 decimal string to an integer with scale
// decimal places (micros uses scale 6), the way the venue's price/size
// strings are rendered over the Data API.
func parseFixedPoint(s string, scale int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Shift(scale).Round(0).IntPart(), nil
}

func marshalCursor(c leaderCursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalCursor(raw string, c *leaderCursor) error {
	return json.Unmarshal([]byte(raw), c)
}
