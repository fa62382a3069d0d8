package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/pipeline"
	"github.com/hasbegun/eyed/internal/wire"
)

func request(t *testing.T, fx *testEngine, subject string, req, resp interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.bc.Request(ctx, subject, req, resp))
}

func TestDatasetRelaysOverBus(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)
	writeImage(t, fx.dataRoot, "lab/s1/a.jpg", testJPEGBytes(t, 400))
	writeImage(t, fx.dataRoot, "lab/s1/b.jpg", testJPEGBytes(t, 401))
	writeImage(t, fx.dataRoot, "lab/s2/c.jpg", testJPEGBytes(t, 402))

	var list wire.DatasetsListResponse
	request(t, fx, bus.SubjectDatasetsList, nil, &list)
	require.Empty(t, list.Error)
	require.Len(t, list.Datasets, 1)
	assert.Equal(t, "lab", list.Datasets[0].Name)
	assert.Equal(t, "generic", list.Datasets[0].Format)

	var subjects wire.DatasetSubjectsResponse
	request(t, fx, bus.SubjectDatasetSubjects, &wire.DatasetSubjectsRequest{Dataset: "lab"}, &subjects)
	require.Empty(t, subjects.Error)
	require.Len(t, subjects.Subjects, 2)
	assert.Equal(t, 2, subjects.Subjects[0].ImageCount)

	var missing wire.DatasetSubjectsResponse
	request(t, fx, bus.SubjectDatasetSubjects, &wire.DatasetSubjectsRequest{Dataset: "nope"}, &missing)
	assert.Equal(t, 404, missing.Code)

	var images wire.DatasetImagesResponse
	request(t, fx, bus.SubjectDatasetImages,
		&wire.DatasetImagesRequest{Dataset: "lab", Subject: "s1", Offset: 1, Limit: 5}, &images)
	require.Empty(t, images.Error)
	require.Len(t, images.Images, 1)
	assert.Equal(t, "b.jpg", images.Images[0].Filename)
}

func TestDatasetPathRelays(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)
	extra := t.TempDir()

	var paths wire.DatasetPathsResponse
	request(t, fx, bus.SubjectDatasetPaths, nil, &paths)
	require.Len(t, paths.Paths, 1)
	assert.Equal(t, fx.dataRoot, paths.Paths[0].Path)

	var added wire.DatasetPathResponse
	request(t, fx, bus.SubjectDatasetPathAdd, &wire.DatasetPathRequest{Path: extra}, &added)
	require.Empty(t, added.Error)
	assert.Equal(t, extra, added.Path.Path)

	request(t, fx, bus.SubjectDatasetPaths, nil, &paths)
	assert.Len(t, paths.Paths, 2)

	var bad wire.DatasetPathResponse
	request(t, fx, bus.SubjectDatasetPathAdd, &wire.DatasetPathRequest{Path: "/definitely/not/here"}, &bad)
	assert.Equal(t, 400, bad.Code)

	var removed wire.DatasetPathResponse
	request(t, fx, bus.SubjectDatasetPathRemove, &wire.DatasetPathRequest{Path: extra}, &removed)
	require.Empty(t, removed.Error)

	request(t, fx, bus.SubjectDatasetPaths, nil, &paths)
	assert.Len(t, paths.Paths, 1)
}

func TestDBInspectorNeedsDatabase(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	var schema wire.DBSchemaResponse
	request(t, fx, bus.SubjectDBSchema, nil, &schema)
	assert.Equal(t, 503, schema.Code)
	assert.Contains(t, schema.Error, "no database")

	var stats wire.DBStatsResponse
	request(t, fx, bus.SubjectDBStats, nil, &stats)
	assert.Equal(t, 503, stats.Code)

	// Allowlisted tables reach the availability check...
	var rows wire.DBRowsResponse
	request(t, fx, bus.SubjectDBRows, &wire.DBRowsRequest{Table: "identities"}, &rows)
	assert.Equal(t, 503, rows.Code)

	// ...unknown tables never get that far.
	var unknown wire.DBRowsResponse
	request(t, fx, bus.SubjectDBRows, &wire.DBRowsRequest{Table: "users; drop"}, &unknown)
	assert.Equal(t, 404, unknown.Code)
	assert.Contains(t, unknown.Error, "unknown table")

	var row wire.DBRowResponse
	request(t, fx, bus.SubjectDBRow, &wire.DBRowRequest{Table: "secrets", PK: "1"}, &row)
	assert.Equal(t, 404, row.Code)
}

func TestTemplateDetailValidation(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	var bad wire.TemplateDetailResponse
	request(t, fx, bus.SubjectGalleryTemplate, &wire.TemplateDetailRequest{TemplateID: "nope"}, &bad)
	assert.Equal(t, 400, bad.Code)
	assert.Contains(t, bad.Error, "UUID")

	var noDB wire.TemplateDetailResponse
	request(t, fx, bus.SubjectGalleryTemplate,
		&wire.TemplateDetailRequest{TemplateID: uuid.NewString()}, &noDB)
	assert.Equal(t, 503, noDB.Code)
	assert.Contains(t, noDB.Error, "no database")
}
