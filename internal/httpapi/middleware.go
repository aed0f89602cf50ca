/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/altairalabs/spendguard/internal/httputil"
	"github.com/altairalabs/spendguard/pkg/governor"
)

const breakerRoutePrefix = "/api/v1/breaker"

// BreakerRejection is the JSON body returned when the breaker refuses a
// request.
type BreakerRejection struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
	ResetAt           string `json:"resetAt,omitempty"`
}

// BreakerMiddleware rejects new spend while the circuit breaker is open.
// Only POST requests are gated: reads and session deletes must keep working
// during an incident, and the breaker endpoints themselves stay reachable so
// operators can inspect and reset. Responses carry a Retry-After hint derived
// from the breaker's reset time.
func BreakerMiddleware(gov *governor.Governor, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !gov.Enabled() ||
			r.Method != http.MethodPost ||
			strings.HasPrefix(r.URL.Path, breakerRoutePrefix) {
			next.ServeHTTP(w, r)
			return
		}

		state := gov.BreakerState()
		if !state.Active {
			next.ServeHTTP(w, r)
			return
		}

		retry := int(math.Ceil(time.Until(state.ResetAt).Seconds()))
		if retry < 1 {
			retry = 1
		}

		w.Header().Set(httputil.HeaderRetryAfter, strconv.Itoa(retry))
		_ = httputil.WriteJSON(w, http.StatusServiceUnavailable, BreakerRejection{
			Error:             "service temporarily unavailable due to cost limits",
			RetryAfterSeconds: retry,
			ResetAt:           state.ResetAt.UTC().Format(time.RFC3339),
		})
	})
}
