package wire

// Relay types for the REST surface the gateway forwards over the bus.
// Responses embed Error plus an optional HTTP-ish Code so the gateway can
// map engine-side failures onto status codes without parsing strings.

// RelayError is embedded by relay responses.
type RelayError struct {
	Error string `json:"error,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// Failed reports whether the engine answered with an error.
func (e RelayError) Failed() bool { return e.Error != "" }

// --- Gallery ---

// GalleryTemplate is one template row in a gallery listing.
type GalleryTemplate struct {
	TemplateID   string  `json:"template_id"`
	EyeSide      string  `json:"eye_side"`
	QualityScore float64 `json:"quality_score"`
	Format       string  `json:"format"`
	EnrolledAt   string  `json:"enrolled_at,omitempty"`
}

// GalleryIdentity groups templates under their identity.
type GalleryIdentity struct {
	IdentityID string            `json:"identity_id"`
	Name       string            `json:"name"`
	Templates  []GalleryTemplate `json:"templates"`
}

// GalleryListResponse answers eyed.gallery.list.
type GalleryListResponse struct {
	RelayError
	Size       int               `json:"size"`
	Identities []GalleryIdentity `json:"identities"`
}

// GalleryDeleteRequest asks for an identity (and its templates) to go away.
type GalleryDeleteRequest struct {
	IdentityID string `json:"identity_id"`
}

// GalleryDeleteResponse answers eyed.gallery.delete.
type GalleryDeleteResponse struct {
	RelayError
	Deleted bool `json:"deleted"`
}

// TemplateDetailRequest asks for a decoded view of one stored template.
type TemplateDetailRequest struct {
	TemplateID string `json:"template_id"`
}

// TemplateDetailResponse answers eyed.gallery.template. For encrypted
// templates the code arrays come back through the key service.
type TemplateDetailResponse struct {
	RelayError
	TemplateID   string  `json:"template_id"`
	IdentityID   string  `json:"identity_id"`
	IdentityName string  `json:"identity_name"`
	EyeSide      string  `json:"eye_side"`
	Format       string  `json:"format"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	NScales      int     `json:"n_scales"`
	QualityScore float64 `json:"quality_score"`
	IrisCodes    [][]int `json:"iris_codes,omitempty"`
	MaskCodes    [][]int `json:"mask_codes,omitempty"`
}

// --- Datasets ---

// DatasetInfo describes one dataset directory. Count is -1 when not counted.
type DatasetInfo struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Count  int    `json:"count"`
}

// DatasetsListResponse answers eyed.datasets.list.
type DatasetsListResponse struct {
	RelayError
	Datasets []DatasetInfo `json:"datasets"`
}

// SubjectInfo is a subject directory with its image count.
type SubjectInfo struct {
	SubjectID  string `json:"subject_id"`
	ImageCount int    `json:"image_count"`
}

// DatasetSubjectsRequest / Response cover eyed.datasets.subjects.
type DatasetSubjectsRequest struct {
	Dataset string `json:"dataset"`
}

type DatasetSubjectsResponse struct {
	RelayError
	Subjects []SubjectInfo `json:"subjects"`
}

// DatasetImage is one image reference within a dataset.
type DatasetImage struct {
	Path      string `json:"path"`
	SubjectID string `json:"subject_id"`
	EyeSide   string `json:"eye_side"`
	Filename  string `json:"filename"`
}

// DatasetImagesRequest / Response cover eyed.datasets.images.
type DatasetImagesRequest struct {
	Dataset string `json:"dataset"`
	Subject string `json:"subject,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type DatasetImagesResponse struct {
	RelayError
	Images []DatasetImage `json:"images"`
}

// DatasetPathInfo describes a configured dataset root.
type DatasetPathInfo struct {
	Path         string `json:"path"`
	Exists       bool   `json:"exists"`
	DatasetCount int    `json:"dataset_count"`
}

// DatasetPathsResponse answers eyed.datasets.paths.list.
type DatasetPathsResponse struct {
	RelayError
	Paths []DatasetPathInfo `json:"paths"`
}

// DatasetPathRequest adds or removes an extra dataset root at runtime.
type DatasetPathRequest struct {
	Path string `json:"path"`
}

// DatasetPathResponse answers paths.add / paths.remove.
type DatasetPathResponse struct {
	RelayError
	Path DatasetPathInfo `json:"path_info"`
}

// --- DB inspector ---

// ColumnInfo describes one column of an inspected table.
type ColumnInfo struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	Nullable     bool   `json:"nullable"`
	DefaultValue string `json:"default_value,omitempty"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

// ForeignKeyInfo describes one foreign key edge.
type ForeignKeyInfo struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// TableSchema is the per-table schema summary.
type TableSchema struct {
	TableName   string           `json:"table_name"`
	Columns     []ColumnInfo     `json:"columns"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
	RowCount    int64            `json:"row_count"`
}

// DBSchemaResponse answers eyed.db.schema.
type DBSchemaResponse struct {
	RelayError
	Tables []TableSchema `json:"tables"`
}

// DBStatsResponse answers eyed.db.stats.
type DBStatsResponse struct {
	RelayError
	IdentitiesCount   int64 `json:"identities_count"`
	TemplatesCount    int64 `json:"templates_count"`
	MatchLogCount     int64 `json:"match_log_count"`
	HETemplatesCount  int64 `json:"he_templates_count"`
	NPZTemplatesCount int64 `json:"npz_templates_count"`
	DBSizeBytes       int64 `json:"db_size_bytes"`
}

// ByteaInfo summarizes a BYTEA column value without shipping the blob.
type ByteaInfo struct {
	SizeBytes         int    `json:"size_bytes"`
	PrefixHex         string `json:"prefix_hex"`
	Format            string `json:"format"` // npz | hev1 | eyed1 | unknown
	HECiphertextCount *int   `json:"he_ciphertext_count,omitempty"`
	HEPerCtSizes      []int  `json:"he_per_ct_sizes,omitempty"`
}

// DBRowsRequest / Response cover eyed.db.rows. Row values are JSON-safe:
// BYTEA columns are replaced by their ByteaInfo summary.
type DBRowsRequest struct {
	Table  string `json:"table"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type DBRowsResponse struct {
	RelayError
	Table   string                   `json:"table_name"`
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
	Total   int64                    `json:"total_count"`
	HasMore bool                     `json:"has_more"`
}

// DBRowRequest / Response cover eyed.db.row (single row by primary key).
// Related carries FK-joined context: the identity for a template row, the
// matched identity/template for a match_log row.
type DBRowRequest struct {
	Table string `json:"table"`
	PK    string `json:"pk"`
}

type DBRowResponse struct {
	RelayError
	Table   string                 `json:"table_name"`
	PK      string                 `json:"primary_key"`
	Row     map[string]interface{} `json:"row"`
	Related map[string]interface{} `json:"related,omitempty"`
}

// --- Engine health ---

// EngineHealth answers eyed.engine.health and backs /engine/health/ready.
type EngineHealth struct {
	Alive                 bool   `json:"alive"`
	Ready                 bool   `json:"ready"`
	PipelineLoaded        bool   `json:"pipeline_loaded"`
	NATSConnected         bool   `json:"nats_connected"`
	DBConnected           bool   `json:"db_connected"`
	RedisConnected        bool   `json:"redis_connected"`
	GallerySize           int    `json:"gallery_size"`
	PipelinePoolSize      int    `json:"pipeline_pool_size"`
	PipelinePoolAvailable int    `json:"pipeline_pool_available"`
	Version               string `json:"version"`
}
