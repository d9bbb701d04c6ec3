package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout renders timestamps at fixed width in UTC so that string order
// equals time order. createdAt/updatedAt are exposed to predicates in this form.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Virtual field names every entity carries in addition to its schema fields.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldTypename  = "__typename"
)

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or RFC 3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// IsVirtualField reports whether name is maintained by the store rather than
// supplied by callers.
func IsVirtualField(name string) bool {
	switch name {
	case FieldID, FieldCreatedAt, FieldUpdatedAt, FieldTypename:
		return true
	}
	return false
}

// Entity is a typed record with a unique id.
// Values handed out by the store are deep copies; mutating them never
// affects stored state.
type Entity struct {
	Type      string
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    IRObject
}

// Field returns a field value, including the virtual id/createdAt/updatedAt
// fields. Absent and null fields report ok=false.
func (e Entity) Field(name string) (IRValue, bool) {
	switch name {
	case FieldID:
		return IRString(e.ID), e.ID != ""
	case FieldCreatedAt:
		return IRString(FormatTime(e.CreatedAt)), !e.CreatedAt.IsZero()
	case FieldUpdatedAt:
		return IRString(FormatTime(e.UpdatedAt)), !e.UpdatedAt.IsZero()
	case FieldTypename:
		return IRString(e.Type), e.Type != ""
	}
	v, ok := e.Fields[name]
	if !ok || IsNull(v) {
		return nil, false
	}
	return v, true
}

// StringField returns a string field or "" when absent or not a string.
func (e Entity) StringField(name string) string {
	v, _ := e.Field(name)
	s, _ := v.(IRString)
	return string(s)
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	e.Fields = e.Fields.Clone()
	return e
}

// Key returns the (type, id) key.
func (e Entity) Key() Key {
	return Key{Type: e.Type, ID: e.ID}
}

// Object flattens the entity into one object holding its schema fields plus
// the virtual id/createdAt/updatedAt fields. Zero timestamps are omitted.
func (e Entity) Object() IRObject {
	obj := make(IRObject, len(e.Fields)+3)
	for k, v := range e.Fields {
		if IsNull(v) {
			continue
		}
		obj[k] = Clone(v)
	}
	obj[FieldID] = IRString(e.ID)
	if !e.CreatedAt.IsZero() {
		obj[FieldCreatedAt] = IRString(FormatTime(e.CreatedAt))
	}
	if !e.UpdatedAt.IsZero() {
		obj[FieldUpdatedAt] = IRString(FormatTime(e.UpdatedAt))
	}
	return obj
}

// MarshalJSON encodes the entity as a flat object with a __typename field,
// the shape GraphQL clients expect.
func (e Entity) MarshalJSON() ([]byte, error) {
	obj := e.Object()
	if e.Type != "" {
		obj[FieldTypename] = IRString(e.Type)
	}
	return obj.MarshalJSON()
}

// UnmarshalJSON decodes the flat object produced by MarshalJSON.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var obj IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	out, err := EntityFromObject("", obj)
	if err != nil {
		return err
	}
	*e = out
	return nil
}

// EntityFromObject splits a flat object into virtual and schema fields.
// entityType is used when the object carries no __typename.
func EntityFromObject(entityType string, obj IRObject) (Entity, error) {
	e := Entity{Type: entityType, Fields: make(IRObject, len(obj))}
	for k, v := range obj {
		switch k {
		case FieldTypename:
			s, ok := v.(IRString)
			if !ok {
				return Entity{}, fmt.Errorf("%s must be a string", k)
			}
			e.Type = string(s)
		case FieldID:
			s, ok := v.(IRString)
			if !ok {
				return Entity{}, fmt.Errorf("%s must be a string", k)
			}
			e.ID = string(s)
		case FieldCreatedAt, FieldUpdatedAt:
			s, ok := v.(IRString)
			if !ok {
				return Entity{}, fmt.Errorf("%s must be a timestamp string", k)
			}
			t, err := ParseTime(string(s))
			if err != nil {
				return Entity{}, err
			}
			if k == FieldCreatedAt {
				e.CreatedAt = t
			} else {
				e.UpdatedAt = t
			}
		default:
			e.Fields[k] = v
		}
	}
	return e, nil
}

// Key addresses one entity.
type Key struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// OpKind is the kind of change applied to an entity.
type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// Valid reports whether k is a known op kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeEvent is a remote change notification. For deletes Entity carries at
// least Type and ID.
type ChangeEvent struct {
	Type            string    `json:"type"`
	Op              OpKind    `json:"op"`
	Entity          Entity    `json:"entity"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// Key returns the event's (type, id).
func (ev ChangeEvent) Key() Key {
	return Key{Type: ev.Type, ID: ev.Entity.ID}
}

// MutationState tracks a local mutation's lifecycle.
type MutationState string

const (
	MutationPending   MutationState = "PENDING"
	MutationCommitted MutationState = "COMMITTED"
	MutationRejected  MutationState = "REJECTED"
)

// Mutation is a committed local change waiting for (or past) remote
// acknowledgement. Condition holds the wire encoding of the condition tree,
// if any.
type Mutation struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Op        OpKind          `json:"op"`
	Type      string          `json:"type"`
	EntityID  string          `json:"entity_id"`
	Fields    IRObject        `json:"fields,omitempty"`
	Condition json.RawMessage `json:"condition,omitempty"`
	Entity    Entity          `json:"entity"`
	Attempts  int             `json:"attempts,omitempty"`
}

// Key returns the (type, id) the mutation targets.
func (m Mutation) Key() Key {
	return Key{Type: m.Type, ID: m.EntityID}
}

// Ack is the remote outcome of a submitted mutation. A rejection carries a
// reason; an acceptance may carry the server's canonical entity.
type Ack struct {
	MutationID      string    `json:"mutation_id"`
	Rejected        bool      `json:"rejected,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Entity          *Entity   `json:"entity,omitempty"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// FieldType is the semantic type of a schema field.
type FieldType string

const (
	TypeID      FieldType = "ID"
	TypeString  FieldType = "String"
	TypeInt     FieldType = "Int"
	TypeBoolean FieldType = "Boolean"
	TypeEnum    FieldType = "Enum"
	TypeList    FieldType = "List"
	TypeMap     FieldType = "Map"
)

// ValidFieldTypes lists the accepted field types.
var ValidFieldTypes = map[FieldType]bool{
	TypeID:      true,
	TypeString:  true,
	TypeInt:     true,
	TypeBoolean: true,
	TypeEnum:    true,
	TypeList:    true,
	TypeMap:     true,
}

// Accepts reports whether a non-null value can be stored in a field of type t.
func (t FieldType) Accepts(v IRValue) bool {
	switch t {
	case TypeID, TypeString, TypeEnum:
		_, ok := v.(IRString)
		return ok
	case TypeInt:
		_, ok := v.(IRInt)
		return ok
	case TypeBoolean:
		_, ok := v.(IRBool)
		return ok
	case TypeList:
		_, ok := v.(IRArray)
		return ok
	case TypeMap:
		_, ok := v.(IRObject)
		return ok
	}
	return false
}

// FieldDef describes one schema field.
type FieldDef struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Required  bool      `json:"required"`
	Enum      []string  `json:"enum,omitempty"`
	MaxLength int       `json:"max_length,omitempty"`
}

// EntityDef describes an entity type.
type EntityDef struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// Field looks up a field definition by name.
func (d EntityDef) Field(name string) (FieldDef, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// RelationshipDef is a has-many relationship: Parent has many Child rows
// whose ForeignKey holds the parent's id. Names are scoped to the parent
// type. A many-to-many link is two relationships sharing a join Child.
type RelationshipDef struct {
	Name       string `json:"name"`
	Parent     string `json:"parent"`
	Child      string `json:"child"`
	ForeignKey string `json:"foreign_key"`
	Cascade    bool   `json:"cascade"`
}

// Key returns "Parent.Name".
func (r RelationshipDef) Key() string {
	return r.Parent + "." + r.Name
}

// Origin says where a change came from.
type Origin string

const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
)

// Notification is what subscribers receive after a change is applied.
// A remote rejection of a local mutation arrives with Rejected set; the
// local state is not rolled back.
type Notification struct {
	Op         OpKind `json:"op"`
	Entity     Entity `json:"entity"`
	Origin     Origin `json:"origin"`
	MutationID string `json:"mutation_id,omitempty"`
	Rejected   bool   `json:"rejected,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Type returns the entity type the notification is about.
func (n Notification) Type() string {
	return n.Entity.Type
}
