package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orjahren/cerebrum-sub002/internal/models"
)

// RegistryHandler imports person records from an upstream guest registry.
// The task key is the registry's person id; the payload may override it
// with an explicit "id" entry.
type RegistryHandler struct {
	baseURL string
	client  *http.Client
}

func NewRegistryHandler(baseURL string, timeout time.Duration) *RegistryHandler {
	return &RegistryHandler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Handle fetches the person record behind task and validates it. Transport
// and server errors are returned so the task is retried; a missing person
// means the record was purged upstream and counts as done.
func (h *RegistryHandler) Handle(ctx context.Context, task models.Task) error {
	id := task.Key
	if v, ok := task.Payload["id"]; ok {
		id = fmt.Sprint(v)
	}

	u := h.baseURL + "/v1/persons/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch person %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Printf("registry: person %s gone upstream, nothing to import", id)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned %s for person %s", resp.Status, id)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read person %s: %w", id, err)
	}
	var person map[string]any
	if err := json.Unmarshal(body, &person); err != nil {
		return fmt.Errorf("decode person %s: %w", id, err)
	}
	if len(person) == 0 {
		return fmt.Errorf("registry returned empty record for person %s", id)
	}

	log.Printf("registry: imported person %s (%d fields)", id, len(person))
	return nil
}
