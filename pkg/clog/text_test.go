package clog

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, WithColor(false)))

	logger.Info("domain diffed", "domain", "global", "added", 2)

	out := buf.String()
	assert.Contains(t, out, "INFO global domain diffed")
	assert.Contains(t, out, "    added=2\n")
	assert.NotContains(t, out, "\x1b[", "color disabled output must carry no escape codes")
}

func TestTextHandlerErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, WithColor(false)))

	logger.Error("apply failed", ErrorAttributeKey, "connection refused")

	out := buf.String()
	assert.Contains(t, out, "apply failed connection refused")
}

func TestTextHandlerConcurrentHandle(t *testing.T) {
	const lines = 200
	var bufA, bufB bytes.Buffer
	loggerA := slog.New(NewTextHandler(&bufA, WithColor(false)))
	loggerB := slog.New(NewTextHandler(&bufB, WithColor(true)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < lines; i++ {
			loggerA.Info("alpha")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < lines; i++ {
			loggerB.Info("beta")
		}
	}()
	wg.Wait()

	// Each handler must only ever write to its own buffer, even while the
	// other handles records with a different color configuration.
	outA := strings.Split(strings.TrimSuffix(bufA.String(), "\n"), "\n")
	assert.Len(t, outA, lines)
	for _, line := range outA {
		assert.Contains(t, line, "alpha")
		assert.NotContains(t, line, "beta")
	}
	assert.NotContains(t, bufB.String(), "alpha")
	assert.Equal(t, lines, strings.Count(bufB.String(), "beta"))
}
