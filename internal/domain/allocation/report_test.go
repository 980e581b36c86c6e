package allocation

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestBuildUtilizationWorkbook(t *testing.T) {
	e := newTestEngine(t, InventoryCounts{Bed: 2, Nurse: 1})
	ctx := context.Background()
	mustSubmit(t, e, "p1", Bed, Nurse)
	mustSubmit(t, e, "p2", Bed)
	e.Allocate(ctx)
	_, err := e.Discharge(ctx, "p2")
	require.NoError(t, err)

	data, err := BuildUtilizationWorkbook(e.Snapshot())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Summary", "Resources", "Assignments"}, f.GetSheetList())

	summary, err := f.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, summary, len(ResourceTypes)+1)
	assert.Equal(t, []string{"Type", "Total", "Available", "Occupied", "Utilization"}, summary[0])
	assert.Equal(t, []string{"Bed", "2", "1", "1", "50.0%"}, summary[2])
	assert.Equal(t, []string{"Nurse", "1", "0", "1", "100.0%"}, summary[5])
	assert.Equal(t, []string{"Room", "0", "0", "0", "0.0%"}, summary[3])

	units, err := f.GetRows("Resources")
	require.NoError(t, err)
	require.Len(t, units, 4)
	assert.Equal(t, []string{"bed1", "Bed 1", "Bed", "occupied", "p1"}, units[1])
	assert.Equal(t, "available", units[2][3])

	assignments, err := f.GetRows("Assignments")
	require.NoError(t, err)
	require.Len(t, assignments, 3)
	assert.Equal(t, "p1", assignments[1][2])
	assert.Equal(t, "p2", assignments[2][2])
	require.Len(t, assignments[2], 6)
	assert.NotEmpty(t, assignments[2][5])
}

func TestBuildUtilizationWorkbook_RejectsBrokenState(t *testing.T) {
	_, err := BuildUtilizationWorkbook(&State{Resources: []ResourceUnit{{ID: "x", Type: "Stretcher"}}})
	assert.ErrorIs(t, err, ErrInvalidState)
}
