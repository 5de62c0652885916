package www

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// FetchJSON performs the request, and decodes the JSON response into output.
// Any status code other than expectStatus is returned as an error, including the response body.
func FetchJSON(req *http.Request, expectStatus int, output any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != expectStatus {
		respB, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %v (%v)", resp.Status, string(respB))
	}
	if output == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(output)
}
