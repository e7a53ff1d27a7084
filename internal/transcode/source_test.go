package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
	"github.com/jmylchreest/transcodarr/internal/models"
)

func TestSourceForJob(t *testing.T) {
	src, err := SourceForJob(&models.Job{InputKind: models.InputKindFile, InputRef: "/staging/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, LocalFile{Path: "/staging/in.mp4", RemoveOnExit: true}, src)
	assert.Equal(t, "/staging/in.mp4", commandInput(src))

	src, err = SourceForJob(&models.Job{InputKind: models.InputKindURL, InputRef: "https://h/v.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.InputKindURL, src.Kind())
	assert.Equal(t, ffmpeg.StdinInput, commandInput(src), "remote input is piped")

	_, err = SourceForJob(&models.Job{InputKind: "ftp"})
	assert.Error(t, err)
}
