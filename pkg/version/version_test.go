package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMetadataDefaults(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.NotEmpty(t, BuildTime)

	// GitCommit is either the ldflags default or a real hash.
	assert.NotEmpty(t, GitCommit)
	if GitCommit != "unknown" {
		assert.GreaterOrEqual(t, len(GitCommit), 7, "GitCommit should be a git hash")
	}
}
