package util

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pershinghar/go-sudo-collection/pkg/models"
)

const sudoPromptPrefix = "[sudo] password for "

// Publisher receives collected results. RabbitMQClient implements it.
type Publisher interface {
	Publish(ctx context.Context, data *models.RawData) error
}

// CollectSudo runs every command through conn.Sudo and hands each result
// to publisher. A nil publisher only logs the results.
//
// A connect failure aborts immediately. Failing commands are logged and
// skipped; the first such error is returned once all commands ran.
func CollectSudo(ctx context.Context, conn *Connection, commands []string, password string, publisher Publisher) error {
	collectionID := uuid.NewString()
	log := conn.log.WithField("collection_id", collectionID)

	if _, err := conn.Client(); err != nil {
		return err
	}

	var firstErr error
	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmdLog := log.WithField("command", command)
		cmdLog.Debug("running sudo command")

		data, err := collectOne(ctx, conn, command, password)
		if err != nil {
			cmdLog.WithError(err).Warn("sudo command failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		data.CollectionID = collectionID

		if publisher == nil {
			cmdLog.WithField("payload", *data.Payload).Info("collected")
			continue
		}

		if err := publisher.Publish(ctx, data); err != nil {
			cmdLog.WithError(err).Warn("failed to publish result")
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %q from %s: %w", command, conn.Hostname, err)
			}
			continue
		}
		cmdLog.Debug("result published")
	}

	return firstErr
}

// collectOne runs a single sudo command and reads both output streams to EOF.
func collectOne(ctx context.Context, conn *Connection, command, password string) (*models.RawData, error) {
	ioe, err := conn.Sudo(command, password, 0)
	if err != nil {
		return nil, err
	}
	defer ioe.Input.Close()

	type result struct {
		stdout []byte
		stderr []byte
		err    error
	}
	done := make(chan result, 1)

	go func() {
		var r result
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.stderr, _ = io.ReadAll(ioe.Error)
		}()
		r.stdout, r.err = io.ReadAll(ioe.Output)
		wg.Wait()
		done <- r
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to read output of %q on %s: %w", command, conn.Hostname, r.err)
	}

	payload := stripSudoPrompt(string(r.stdout))
	data := &models.RawData{
		SourceID:  conn.Hostname,
		Timestamp: time.Now().UTC(),
		ChunkID:   command,
		Payload:   &payload,
	}
	if len(r.stderr) > 0 {
		stderr := string(r.stderr)
		data.Stderr = &stderr
	}

	return data, nil
}

// stripSudoPrompt drops the password prompt sudo writes to the terminal
// and normalizes PTY line endings.
func stripSudoPrompt(out string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	if strings.HasPrefix(out, sudoPromptPrefix) {
		if idx := strings.Index(out, ": "); idx >= 0 {
			out = out[idx+2:]
		}
		out = strings.TrimPrefix(out, "\n")
	}
	return out
}
