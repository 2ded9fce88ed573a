package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect_Rebind(t *testing.T) {
	pg, err := dialectFor("pgx")
	require.NoError(t, err)
	lite, err := dialectFor("sqlite")
	require.NoError(t, err)

	q := "UPDATE units SET claimed_by = ? WHERE id = ? AND status = 'claimed'"
	assert.Equal(t, "UPDATE units SET claimed_by = $1 WHERE id = $2 AND status = 'claimed'", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestDialect_ClaimLocking(t *testing.T) {
	pg, _ := dialectFor("pgx")
	lite, _ := dialectFor("sqlite3")

	claimPG := claimUnitsQuery(pg)
	assert.True(t, strings.Contains(claimPG, "FOR UPDATE SKIP LOCKED"), claimPG)
	assert.True(t, strings.Contains(nextCampaignQuery(pg, true), "FOR UPDATE OF c SKIP LOCKED"))
	assert.False(t, strings.Contains(nextCampaignQuery(pg, false), "FOR UPDATE"),
		"read-only lookups never lock")

	assert.False(t, strings.Contains(claimUnitsQuery(lite), "FOR UPDATE"))
}

func TestDialectFor_Unknown(t *testing.T) {
	_, err := dialectFor("mysql")
	assert.Error(t, err)
}

func TestPrepareSQLiteDSN(t *testing.T) {
	dir := t.TempDir()

	got, err := prepareSQLiteDSN(dir + "/nested/x.db")
	require.NoError(t, err)
	assert.Equal(t, dir+"/nested/x.db?_txlock=immediate", got)
	assert.DirExists(t, dir+"/nested")

	got, err = prepareSQLiteDSN("file:" + dir + "/y.db?cache=shared")
	require.NoError(t, err)
	assert.Equal(t, "file:"+dir+"/y.db?cache=shared&_txlock=immediate", got)

	got, err = prepareSQLiteDSN(dir + "/z.db?_txlock=exclusive")
	require.NoError(t, err)
	assert.Equal(t, dir+"/z.db?_txlock=exclusive", got)
}
