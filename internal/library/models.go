package library

// documentRow holds the reading position for one document on this device.
type documentRow struct {
	Digest           string  `gorm:"column:digest;primaryKey;size:190;not null"`
	Position         string  `gorm:"column:position;type:text;not null;default:''"`
	Percentage       float64 `gorm:"column:percentage;not null;default:0"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (documentRow) TableName() string {
	return "library_documents"
}

// annotationRow stores one annotation of a document's list. The ordinal
// preserves list order across the full-list replace performed after merges.
type annotationRow struct {
	DocumentDigest string `gorm:"column:document_digest;primaryKey;size:190;not null"`
	Ordinal        int    `gorm:"column:ordinal;primaryKey;not null"`
	Datetime       string `gorm:"column:datetime;size:64;not null;index"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (annotationRow) TableName() string {
	return "library_annotations"
}

// syncStateRow persists the per-document sync bookkeeping across sessions.
type syncStateRow struct {
	DocumentDigest string `gorm:"column:document_digest;primaryKey;size:190;not null"`
	Version        int64  `gorm:"column:version;not null;default:0"`
	TombstonesJSON string `gorm:"column:tombstones_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (syncStateRow) TableName() string {
	return "sync_states"
}

// settingRow is a process-wide key/value setting, e.g. the device identity.
type settingRow struct {
	Key   string `gorm:"column:key;primaryKey;size:64;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (settingRow) TableName() string {
	return "app_settings"
}
