package config

import (
	"fmt"
	"math/rand"
	"time"
)

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}

// ScratchDirName builds the per-attempt working directory name. The random
// trailer keeps re-runs of the same job from colliding on shared scratch.
func ScratchDirName(jobID string) string {
	return fmt.Sprintf("job-%s-%s", jobID, RandomTrailer(8))
}
