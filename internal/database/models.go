package database

// ChangeRecord stores the winning value of one column of one row together
// with its clocks and the site it was learned from.
type ChangeRecord struct {
	Table      string  `gorm:"column:table_name;primaryKey;size:190;not null"`
	PKs        string  `gorm:"column:pks;primaryKey;size:512;not null"`
	CID        string  `gorm:"column:cid;primaryKey;size:190;not null"`
	Value      *string `gorm:"column:val;type:text"`
	ColVersion int64   `gorm:"column:col_version;not null"`
	DBVersion  int64   `gorm:"column:db_version;not null;index:idx_crsql_changes_db_version"`
	SiteID     string  `gorm:"column:site_id;size:32;not null;index:idx_crsql_changes_site"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "crsql_changes"
}

// TrackedPeer stores the inbound watermark for one peer.
type TrackedPeer struct {
	SiteID  string `gorm:"column:site_id;primaryKey;size:32;not null"`
	Version int64  `gorm:"column:version;not null;default:0"`
	Counter int    `gorm:"column:counter;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (TrackedPeer) TableName() string {
	return "crsql_tracked_peers"
}

// SiteInfo is the single row describing the local replica.
type SiteInfo struct {
	ID            int    `gorm:"column:id;primaryKey"`
	SiteID        string `gorm:"column:site_id;size:32;not null"`
	DBVersion     int64  `gorm:"column:db_version;not null;default:0"`
	SchemaName    string `gorm:"column:schema_name;size:190;not null;default:''"`
	SchemaVersion int64  `gorm:"column:schema_version;not null;default:0"`
	SchemaContent string `gorm:"column:schema_content;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SiteInfo) TableName() string {
	return "crsql_site_info"
}

// SchemaRecord is one uploaded schema version.
type SchemaRecord struct {
	Name              string `gorm:"column:name;primaryKey;size:190;not null"`
	Version           int64  `gorm:"column:version;primaryKey;not null"`
	Content           string `gorm:"column:content;type:text;not null"`
	Active            bool   `gorm:"column:active;not null;default:false"`
	UploadedAtSeconds int64  `gorm:"column:uploaded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SchemaRecord) TableName() string {
	return "schemas"
}
