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

/*
Package sdk implements the client side of the rule pack contract.

HTTPWorker is the production base.Worker: it talks to a registered pack
over HTTP (POST /validate, POST /explain, GET /info, GET /metadata,
GET /health), forwards Authorization, X-Correlation-ID and traceparent
headers, and runs validate/explain traffic through a per-domain circuit
breaker so a failing pack is rejected fast instead of tying up router
workers.

	worker := sdk.NewHTTPWorker("gtas")
	err := worker.Initialize(ctx, &base.WorkerConfig{
	    Domain:   "gtas",
	    Endpoint: "http://gtas-pack:8080",
	    Timeout:  10 * time.Second,
	})

RetryWithBackoff wraps lifecycle operations (a pack may still be starting
when the registry first dials it); validation traffic relies on the HTTP
client's own retry policy instead, so a single request is never retried
twice at two layers.

MockWorker and FailingWorker back the router and registry tests.
*/
package sdk
