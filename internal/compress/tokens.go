// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package compress

import "unicode/utf8"

// EstimateTokens approximates the token count of a text. Four
// characters per token tracks common tokenizers closely enough for
// threshold checks; exact counts matter nowhere in the pipeline.
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	tokens := runes / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
