package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmysler/dvc-sub001/pkg/session"
)

func TestSessionCollector(t *testing.T) {
	reg := session.NewRegistry()
	a, err := reg.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)
	require.NoError(t, reg.SetRunning(a.ID, "cid-1", ""))
	_, err = reg.Create("xss-01", "bob", time.Hour, 0, 0)
	require.NoError(t, err)

	c := NewSessionCollector(reg)
	expected := `
# HELP dvc_sessions Current number of sessions grouped by status and challenge
# TYPE dvc_sessions gauge
dvc_sessions{challenge_id="xss-01",status="running"} 1
dvc_sessions{challenge_id="xss-01",status="starting"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

type staticCatalog map[string]int

func (c staticCatalog) CategoryCounts() map[string]int { return c }

func TestCatalogCollector(t *testing.T) {
	c := NewCatalogCollector(staticCatalog{"web": 2, "crypto": 1})
	expected := `
# HELP dvc_challenges_registered Number of challenges in the catalog per category
# TYPE dvc_challenges_registered gauge
dvc_challenges_registered{category="crypto"} 1
dvc_challenges_registered{category="web"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}
