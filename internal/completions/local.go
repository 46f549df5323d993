package completions

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// localConnector shells out to a local CLI for offline development. The
// command receives the conversation as JSON on stdin and is expected to
// write the completion text to stdout. The command line comes from the
// provider endpoint field, e.g. "llamafile --model tiny".
type localConnector struct{}

func (c *localConnector) Name() string { return "local" }

func (c *localConnector) Chat(ctx context.Context, req Request) (*models.ChatCompletionResponse, <-chan models.ChatCompletionChunk, error) {
	cmdline := strings.Fields(req.Provider.Endpoint)
	if len(cmdline) == 0 {
		return nil, nil, kberr.New(kberr.ConfigError, "local connector needs a command in the provider endpoint")
	}

	ctx, cancel := context.WithTimeout(ctx, connectorTimeout)
	defer cancel()

	stdin, err := json.Marshal(map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	})
	if err != nil {
		return nil, nil, kberr.Wrap(kberr.Internal, err, "marshal subprocess input")
	}

	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error().Err(err).Str("cmd", cmdline[0]).Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("local completion subprocess failed")
		err = kberr.Wrap(kberr.ProviderError, err, "local completion subprocess failed")
		if req.Stream {
			return nil, errorStream(completionID(), req.Model, err), nil
		}
		return nil, nil, err
	}

	content := strings.TrimSpace(stdout.String())
	id := completionID()
	if !req.Stream {
		return bufferedResponse(id, req.Model, content, nil), nil, nil
	}

	ch := make(chan models.ChatCompletionChunk, 2)
	ch <- newChunk(id, req.Model, content, nil)
	ch <- newChunk(id, req.Model, "", stopReason())
	close(ch)
	return nil, ch, nil
}
