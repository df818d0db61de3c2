package fleet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSample(t *testing.T) {
	trains := Sample()
	require.Len(t, trains, 4)

	ids := make([]string, len(trains))
	for i, tr := range trains {
		ids[i] = tr.TrainID
	}
	assert.Equal(t, []string{"TS012", "TS015", "TS018", "TS021"}, ids)
	assert.Equal(t, RakeMaintenance, trains[1].RakeStatusCurrent)
	assert.True(t, trains[1].ViolatesMandatoryFitness)
	assert.True(t, trains[2].CriticalJobCardFlag)
}

func TestSample_ReturnsCopy(t *testing.T) {
	first := Sample()
	first[0].TrainID = "changed"
	assert.Equal(t, "TS012", Sample()[0].TrainID)
}

func TestTrain_JSON(t *testing.T) {
	raw, err := json.Marshal(Sample()[0])
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "TS012", got["train_id"])
	assert.Equal(t, "stabled", got["rake_status_current"])
	assert.Equal(t, 512345.0, got["odometer_total_km"])
	assert.NotContains(t, got, "manual_override")
	assert.Equal(t, map[string]any{"readiness": 10.0, "branding": -2.0, "shunting": -1.2}, got["score_components"])
}
