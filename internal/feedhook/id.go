package feedhook

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ID is a 12 byte object identifier.
//
// IDs sort by their byte value, which for freshly generated ids follows
// generation order. The SQL stores keep them hex encoded (lowercase, so
// string order matches byte order) and MongoDB keeps them as native ObjectIDs.
type ID [12]byte

// NilID is the zero value of an ID.
var NilID ID

// NewID generates a new id.
func NewID() ID {
	return ID(primitive.NewObjectID())
}

// ParseID decodes the hex form of an id.
func ParseID(s string) (ID, error) {
	oid, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return NilID, fmt.Errorf("%q: %w", s, ErrInvalidID)
	}

	return ID(oid), nil
}

// IDFromBytes copies the raw 12 bytes of an id.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return NilID, fmt.Errorf("expected %d bytes, got %d: %w", len(id), len(b), ErrInvalidID)
	}
	copy(id[:], b)

	return id, nil
}

func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

func (id ID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

func (id ID) IsZero() bool {
	return id == NilID
}

// Compare returns -1, 0 or 1 depending on whether id sorts before, equal to
// or after other.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Next returns the smallest id that sorts strictly after id.
func (id ID) Next() ID {
	for i := len(id) - 1; i >= 0; i-- {
		id[i]++
		if id[i] != 0 {
			break
		}
	}

	return id
}

// Value implements [driver.Valuer].
func (id ID) Value() (driver.Value, error) {
	return id.Hex(), nil
}

// Scan implements [sql.Scanner].
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = NilID
		return nil
	case string:
		parsed, err := ParseID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		if len(v) == len(id) {
			copy(id[:], v)
			return nil
		}
		return id.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into an id", src)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("error decoding id: %w", err)
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed

	return nil
}

// MarshalBSONValue stores ids as native ObjectIDs.
func (id ID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bsontype.ObjectID, id.Bytes(), nil
}

func (id *ID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	switch t {
	case bsontype.ObjectID:
		parsed, err := IDFromBytes(data)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case bsontype.Null, bsontype.Undefined:
		*id = NilID
		return nil
	default:
		return fmt.Errorf("cannot decode bson %s into an id", t)
	}
}
