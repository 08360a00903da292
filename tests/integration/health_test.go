//go:build integration

package integration

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLivez(t *testing.T) {
	body := expect[healthResponse](t, doGet(t, "/livez"), http.StatusOK)
	assert.Equal(t, "ok", body.Status)
}

func TestReadyz(t *testing.T) {
	// Readiness covers postgres and redis.
	body := expect[healthResponse](t, doGet(t, "/readyz"), http.StatusOK)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}
