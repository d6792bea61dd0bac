package persistence

import (
	"encoding/json"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// EncodeRecord serializes a record as the JSON document stored in Redis.
func EncodeRecord(rec *api.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "encode execution record %s", rec.ExecutionID)
	}
	return data, nil
}

// DecodeRecord parses a stored record and fills nil maps.
func DecodeRecord(data []byte) (*api.Record, error) {
	var rec api.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decode execution record")
	}
	rec.Normalize()
	return &rec, nil
}
