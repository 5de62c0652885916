package www

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/julienschmidt/httprouter"
)

// MaxJSONBody is the default upper bound on a JSON request body
const MaxJSONBody = 1024 * 1024

// RunProtected runs 'handler' inside a panic handler that recognizes HTTPError,
// and sends the appropriate HTTP response if a panic does occur.
func RunProtected(log log.Log, w http.ResponseWriter, r *http.Request, handler func()) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		switch err := rec.(type) {
		case HTTPError:
			log.Infof("Failed request %v %v: %v %v", r.Method, r.URL.Path, err.Code, err.Message)
			SendError(w, err.Message, err.Code)
		case *HTTPError:
			log.Infof("Failed request %v %v: %v %v", r.Method, r.URL.Path, err.Code, err.Message)
			SendError(w, err.Message, err.Code)
		case runtime.Error:
			log.Errorf("Runtime panic %v: %v", r.URL.Path, err)
			log.Errorf("Stack Trace: %v", string(debug.Stack()))
			SendError(w, err.Error(), http.StatusInternalServerError)
		case error:
			log.Errorf("Panic error %v: %v", r.URL.Path, err)
			SendError(w, err.Error(), http.StatusInternalServerError)
		case string:
			log.Errorf("Panic string %v: %v", r.URL.Path, err)
			SendError(w, err, http.StatusInternalServerError)
		default:
			log.Errorf("Unrecognized panic %v: %v", r.URL.Path, rec)
			SendError(w, "Unrecognized panic", http.StatusInternalServerError)
		}
	}()

	handler()
}

// Handle adds a protected route to router. The handler runs inside RunProtected.
func Handle(log log.Log, router *httprouter.Router, method, path string, handle httprouter.Handle) {
	router.Handle(method, path, Protect(log, handle))
}

// Protect wraps handle so that panics become HTTP responses
func Protect(log log.Log, handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		RunProtected(log, w, r, func() { handle(w, r, p) })
	}
}

// ReadJSON reads the body of the request, and unmarshals it into 'obj'.
// Any read or decode failure is a 400.
func ReadJSON(w http.ResponseWriter, r *http.Request, obj any, maxBodyBytes int64) {
	if r.Body == nil || r.Body == http.NoBody {
		Panic(http.StatusBadRequest, "Request body is empty")
	}
	defer r.Body.Close()
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(reader)
	if err != nil {
		PanicBadRequestf("Failed to read request body: %v", err)
	}
	if err := json.Unmarshal(raw, obj); err != nil {
		PanicBadRequestf("Failed to decode JSON: %v", err)
	}
}

// SendError is identical to http.Error(), except that we don't append a \n to the message body
func SendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write([]byte(message))
}

// SendJSON encodes 'obj' to JSON, and sends it as a 200 application/json response.
func SendJSON(w http.ResponseWriter, obj any) {
	SendJSONStatus(w, http.StatusOK, obj)
}

// SendJSONStatus is SendJSON with an explicit status code.
// Encoding happens before any header is written, so a failure still produces a 500.
func SendJSONStatus(w http.ResponseWriter, status int, obj any) {
	b, err := json.Marshal(obj)
	Check(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
