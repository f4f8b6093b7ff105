package metadata

// Role tags a field whose value the engine fills in on writes.
type Role string

const (
	RoleNone              Role = ""
	RoleTimestampOnCreate Role = "timestamp_on_create"
	RoleTimestampOnUpdate Role = "timestamp_on_update"
	RoleUserIDOnCreate    Role = "user_id_on_create"
	RoleUserIDOnUpdate    Role = "user_id_on_update"
)

// ParseRole accepts the configuration spelling of a role; "none" clears it.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleTimestampOnCreate, RoleTimestampOnUpdate, RoleUserIDOnCreate, RoleUserIDOnUpdate:
		return r, true
	case "none", RoleNone:
		return RoleNone, true
	}
	return RoleNone, false
}

// OnCreate reports whether the role is applied when a record is created.
// Update roles also stamp the initial insert.
func (r Role) OnCreate() bool { return r != RoleNone }

// OnUpdate reports whether the role is applied on every update.
func (r Role) OnUpdate() bool {
	return r == RoleTimestampOnUpdate || r == RoleUserIDOnUpdate
}

// IsTimestamp reports whether the role injects the current time.
func (r Role) IsTimestamp() bool {
	return r == RoleTimestampOnCreate || r == RoleTimestampOnUpdate
}

// conventionRoles maps well-known column names to roles.
var conventionRoles = map[string]Role{
	"created_date":        RoleTimestampOnCreate,
	"created_at":          RoleTimestampOnCreate,
	"last_modified_date":  RoleTimestampOnUpdate,
	"updated_at":          RoleTimestampOnUpdate,
	"created_by_id":       RoleUserIDOnCreate,
	"created_by":          RoleUserIDOnCreate,
	"last_modified_by_id": RoleUserIDOnUpdate,
	"updated_by":          RoleUserIDOnUpdate,
}

type Field struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	DBType        string `json:"db_type"`
	Required      bool   `json:"required"`
	AllowNull     bool   `json:"allow_null"`
	HasDefault    bool   `json:"has_default,omitempty"`
	AutoIncrement bool   `json:"auto_increment"`
	ReadOnly      bool   `json:"read_only"`
	PrimaryKey    bool   `json:"is_primary_key"`
	MaxLength     int64  `json:"length,omitempty"`
	Role          Role   `json:"role,omitempty"`
	RefTable      string `json:"ref_table,omitempty"`
	RefField      string `json:"ref_field,omitempty"`
	Validation    string `json:"validation,omitempty"`
	Message       string `json:"validation_message,omitempty"`
}

// Writable reports whether client input for the field may be persisted.
func (f *Field) Writable() bool {
	return !f.ReadOnly && !f.AutoIncrement
}

// IsInteger reports whether the field holds whole numbers.
func (f *Field) IsInteger() bool {
	return f.Type == "int" || f.Type == "bigint"
}

// BindType returns the native bind class used to coerce values read back from the store.
func (f *Field) BindType() string {
	switch f.Type {
	case "int", "bigint":
		return "int"
	case "float", "decimal":
		return "float"
	case "boolean":
		return "bool"
	case "binary":
		return "binary"
	case "timestamp", "date", "time":
		return "time"
	default:
		return "string"
	}
}
