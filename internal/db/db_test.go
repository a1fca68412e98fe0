package db_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/db/dbtest"
	"github.com/example/kdp-orchestrator/internal/models"
)

func TestInflightIndexRejectsSecondActiveRun(t *testing.T) {
	conn := dbtest.New(t)

	intent := models.ResourceIntent{ResourceType: "kafka", ClusterID: 1, Namespace: "data", Status: models.IntentQueued}
	require.NoError(t, conn.Create(&intent).Error)

	first := models.ResourceRun{IntentID: intent.ID, Action: "apply", Result: models.RunQueued, StartedAt: time.Now()}
	require.NoError(t, conn.Create(&first).Error)

	second := models.ResourceRun{IntentID: intent.ID, Action: "apply", Result: models.RunRunning, StartedAt: time.Now()}
	err := conn.Create(&second).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// terminal runs do not count
	require.NoError(t, conn.Model(&first).Update("result", models.RunFailed).Error)
	require.NoError(t, conn.Create(&models.ResourceRun{IntentID: intent.ID, Action: "apply", Result: models.RunQueued, StartedAt: time.Now()}).Error)
}

func TestJSONSliceRoundTrip(t *testing.T) {
	conn := dbtest.New(t)

	scope := models.NamespaceScope{UserID: 1, ClusterID: 2, Namespace: "spark", AllowedActions: []string{"spark.deploy"}, DeniedActions: []string{"k8s.delete_pod"}}
	require.NoError(t, conn.Create(&scope).Error)

	var got models.NamespaceScope
	require.NoError(t, conn.First(&got, scope.ID).Error)
	assert.True(t, got.Allows("spark.deploy"))
	assert.True(t, got.Denies("k8s.delete_pod"))
	assert.False(t, got.Allows("k8s.scale"))
}
