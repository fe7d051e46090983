package faults

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

// WriteHTTP renders err in the API error shape. Non-fault errors are
// wrapped as internal so their text never reaches a caller.
func WriteHTTP(w http.ResponseWriter, err error) {
	fe, ok := As(err)
	if !ok {
		fe = Internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	if d := fe.RetryAfter(); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	w.WriteHeader(fe.StatusCode)
	_ = json.NewEncoder(w).Encode(fe)
}
