package worker

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/campaign-worker/internal/worker/domain"
)

// ParseJob normalizes an inbound body into a CampaignJob. Accepted shapes, in
// order: a flat object, an object whose "data" holds the job, and an object
// keyed "0" (or an array) whose first element holds the job.
func ParseJob(raw []byte) (domain.CampaignJob, error) {
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.CampaignJob{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	for _, candidate := range jobCandidates(body) {
		id, hasID := stringField(candidate, "campaignId")
		prompt, hasPrompt := stringField(candidate, "prompt")
		if hasID && hasPrompt {
			return domain.CampaignJob{CampaignID: id, Prompt: prompt}, nil
		}
	}

	return domain.CampaignJob{}, fmt.Errorf("%w: no campaignId and prompt found", domain.ErrMalformedMessage)
}

// RecoverCampaignID extracts only the campaign id from a body that failed to
// parse, trying the same shapes as ParseJob
func RecoverCampaignID(raw []byte) (string, bool) {
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", false
	}

	for _, candidate := range jobCandidates(body) {
		if id, ok := stringField(candidate, "campaignId"); ok && id != "" {
			return id, true
		}
	}

	return "", false
}

// jobCandidates returns the objects that may hold the job fields, in the
// order they are tried
func jobCandidates(body any) []map[string]any {
	var candidates []map[string]any

	switch v := body.(type) {
	case map[string]any:
		candidates = append(candidates, v)
		if data, ok := v["data"].(map[string]any); ok {
			candidates = append(candidates, data)
		}
		if first, ok := v["0"].(map[string]any); ok {
			candidates = append(candidates, first)
		}
	case []any:
		if len(v) > 0 {
			if first, ok := v[0].(map[string]any); ok {
				candidates = append(candidates, first)
			}
		}
	}

	return candidates
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}
