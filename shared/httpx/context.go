// Copyright 2026 Credence
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpx

import "context"

type contextKey string

const headersKey contextKey = "credence_outbound_headers"

// WithHeaders stores outbound propagation headers on the context. Handlers
// call this once after HeadersFromRequest; every downstream client reads
// them back with HeadersFromContext.
func WithHeaders(ctx context.Context, h Headers) context.Context {
	return context.WithValue(ctx, headersKey, h)
}

// HeadersFromContext returns the propagation headers stored on the context,
// generating fresh correlation and trace identifiers when none are present.
func HeadersFromContext(ctx context.Context) Headers {
	if h, ok := ctx.Value(headersKey).(Headers); ok {
		return h
	}
	return Headers{
		CorrelationID: NewCorrelationID(),
		Traceparent:   NewTraceparent(),
	}
}
