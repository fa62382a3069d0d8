package bus

// Subject names shared by every service. Request/reply subjects are answered
// by the engine or the key service; eyed.result and eyed.archive are plain
// publishes.
const (
	SubjectAnalyze          = "eyed.analyze"
	SubjectEnroll           = "eyed.enroll"
	SubjectEnrollBulk       = "eyed.enroll.bulk"
	SubjectResult           = "eyed.result"
	SubjectArchive          = "eyed.archive"
	SubjectTemplatesChanged = "eyed.templates.changed"

	SubjectKeyDecryptBatch    = "eyed.key.decrypt_batch"
	SubjectKeyDecryptTemplate = "eyed.key.decrypt_template"
	SubjectKeyHealth          = "eyed.key.health"

	SubjectGalleryList     = "eyed.gallery.list"
	SubjectGalleryDelete   = "eyed.gallery.delete"
	SubjectGalleryTemplate = "eyed.gallery.template"

	SubjectDatasetsList      = "eyed.datasets.list"
	SubjectDatasetSubjects   = "eyed.datasets.subjects"
	SubjectDatasetImages     = "eyed.datasets.images"
	SubjectDatasetPaths      = "eyed.datasets.paths.list"
	SubjectDatasetPathAdd    = "eyed.datasets.paths.add"
	SubjectDatasetPathRemove = "eyed.datasets.paths.remove"

	SubjectDBSchema = "eyed.db.schema"
	SubjectDBStats  = "eyed.db.stats"
	SubjectDBRows   = "eyed.db.rows"
	SubjectDBRow    = "eyed.db.row"

	SubjectEngineHealth = "eyed.engine.health"
)

// EnrollProgressSubject returns the per-job progress subject the engine
// publishes bulk events on.
func EnrollProgressSubject(jobID string) string {
	return "eyed.enroll.progress." + jobID
}

// EnrollCancelSubject returns the per-job cancel subject the gateway
// publishes to when the SSE client goes away.
func EnrollCancelSubject(jobID string) string {
	return "eyed.enroll.cancel." + jobID
}
