/*
 * Copyright 2025 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package microbatch

import (
	"github.com/rulego/microbatch/driver"
	"github.com/rulego/microbatch/logger"
)

// Option configures the engine at construction time.
type Option func(*Engine)

// WithLogger replaces the package-level logger used by all components.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		logger.SetDefault(l)
	}
}

// WithLogLevel sets the level of the current logger.
func WithLogLevel(level logger.Level) Option {
	return func(e *Engine) {
		logger.SetLevel(level)
	}
}

// WithDiscardLogger silences all engine logging.
func WithDiscardLogger() Option {
	return func(e *Engine) {
		logger.SetDefault(logger.NewDiscardLogger())
	}
}

// WithDriverOptions tunes retry behavior for all queries started by this
// engine.
func WithDriverOptions(opts driver.Options) Option {
	return func(e *Engine) {
		e.opts = opts
	}
}
