package web

import (
	"encoding/json"
	"net/http"
	"time"

	"klonos/internal/natsbus"
	"klonos/internal/store"
)

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if secrets == nil {
		secrets = []store.Secret{}
	}

	// Enrich with agent grants
	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		agents, _ := s.store.GetSecretAgents(sec.Name)
		if agents == nil {
			agents = []string{}
		}
		out = append(out, map[string]any{
			"name":        sec.Name,
			"description": sec.Description,
			"global":      sec.Global,
			"agents":      agents,
			"created_at":  sec.CreatedAt,
			"updated_at":  sec.UpdatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Value       string   `json:"value"`
		Global      bool     `json:"global"`
		Agents      []string `json:"agents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	ciphertext, nonce, err := s.vault.EncryptString(body.Value)
	if err != nil {
		jsonError(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	sec := &store.Secret{
		Name:        body.Name,
		Description: body.Description,
		Value:       ciphertext,
		Nonce:       nonce,
		Global:      body.Global,
	}
	if err := s.store.SaveSecret(sec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Set agent grants
	_ = s.store.SetSecretAgents(body.Name, body.Agents)

	s.publishSecretEvent("secret_created", sec.Name)

	jsonResponse(w, map[string]any{
		"name":        sec.Name,
		"description": sec.Description,
		"global":      sec.Global,
	})
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sec, err := s.store.GetSecret(name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sec == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}
	agents, _ := s.store.GetSecretAgents(sec.Name)
	if agents == nil {
		agents = []string{}
	}
	jsonResponse(w, map[string]any{
		"name":        sec.Name,
		"description": sec.Description,
		"global":      sec.Global,
		"agents":      agents,
		"created_at":  sec.CreatedAt,
		"updated_at":  sec.UpdatedAt,
	})
}

func (s *Server) updateSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	name := r.PathValue("name")
	existing, err := s.store.GetSecret(name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}

	var body struct {
		Description *string  `json:"description"`
		Value       *string  `json:"value"`
		Global      *bool    `json:"global"`
		Agents      []string `json:"agents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Description != nil {
		existing.Description = *body.Description
	}
	if body.Global != nil {
		existing.Global = *body.Global
	}

	// Re-encrypt if value provided
	if body.Value != nil {
		ciphertext, nonce, err := s.vault.EncryptString(*body.Value)
		if err != nil {
			jsonError(w, "encryption failed", http.StatusInternalServerError)
			return
		}
		existing.Value = ciphertext
		existing.Nonce = nonce
	}

	if err := s.store.SaveSecret(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Update agent grants if provided
	if body.Agents != nil {
		_ = s.store.SetSecretAgents(name, body.Agents)
	}

	s.publishSecretEvent("secret_updated", existing.Name)

	jsonResponse(w, map[string]any{
		"name":        existing.Name,
		"description": existing.Description,
		"global":      existing.Global,
	})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.DeleteSecret(name); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSecretEvent("secret_deleted", name)
	jsonResponse(w, map[string]string{"status": "deleted"})
}

// getAgentSecrets lists the secrets an agent would receive. Ciphertext
// never serializes; the response is metadata only.
func (s *Server) getAgentSecrets(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("id")
	secrets, err := s.store.GetAgentSecrets(agent)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if secrets == nil {
		secrets = []store.Secret{}
	}
	jsonResponse(w, secrets)
}

func (s *Server) setAgentSecrets(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("id")
	var body struct {
		Secrets []string `json:"secrets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.SetAgentSecrets(agent, body.Secrets); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "updated"})
}

func (s *Server) addAgentSecret(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("id")
	name := r.PathValue("name")
	if err := s.store.AddAgentSecret(agent, name); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "added"})
}

func (s *Server) removeAgentSecret(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("id")
	name := r.PathValue("name")
	if err := s.store.RemoveAgentSecret(agent, name); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "removed"})
}

func (s *Server) publishSecretEvent(eventType, name string) {
	if s.nats == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"name": name,
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = s.nats.Publish(natsbus.TopicEventsSecret, data)
}
