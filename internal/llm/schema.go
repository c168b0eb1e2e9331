// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when structured output fails to parse after
// the strict retry. Callers treat it as an empty extraction.
var ErrMalformed = errors.New("llm: malformed structured response")

const strictSuffix = "\n\nReturn ONLY a valid JSON object matching the requested shape. No prose, no markdown fences, no commentary."

// GenerateStruct issues a JSON-mode call and decodes the result into out.
// A response that fails to decode is retried exactly once with a stricter
// prompt; a second failure surfaces ErrMalformed.
func GenerateStruct(ctx context.Context, client Client, req Request, out any) error {
	req.JSON = true

	text, err := client.Generate(ctx, req)
	if err != nil {
		return err
	}
	if decodeErr := decodeJSON(text, out); decodeErr == nil {
		return nil
	}

	strict := req
	strict.Prompt = req.Prompt + strictSuffix
	text, err = client.Generate(ctx, strict)
	if err != nil {
		return err
	}
	if decodeErr := decodeJSON(text, out); decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, decodeErr)
	}
	return nil
}

// decodeJSON tolerates markdown fences around an otherwise valid object
func decodeJSON(text string, out any) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return json.Unmarshal([]byte(trimmed), out)
}
