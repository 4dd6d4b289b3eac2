package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

func getIRI(domain string, username string, action action) string {
	prefix := fmt.Sprintf("https://%s/users/%s", domain, username)
	switch action {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

// actorDocument renders a local account as an ActivityPub Person.
func (s *Server) actorDocument(username string) (string, error) {
	acc, err := s.store.ReadAccByUsername(username)
	if err != nil {
		return "{}", err
	}

	domain := s.conf.Conf.SslDomain
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        getIRI(domain, acc.Username, id),
		"type":                      "Person",
		"preferredUsername":         acc.Username,
		"name":                      displayName,
		"summary":                   acc.Summary,
		"inbox":                     getIRI(domain, acc.Username, inbox),
		"outbox":                    getIRI(domain, acc.Username, outbox),
		"followers":                 getIRI(domain, acc.Username, followers),
		"following":                 getIRI(domain, acc.Username, following),
		"url":                       getIRI(domain, acc.Username, id),
		"manuallyApprovesFollowers": !s.conf.Conf.AutoAccept,
		"discoverable":              true,
		"endpoints": map[string]interface{}{
			"sharedInbox": getIRI(domain, acc.Username, sharedInbox),
		},
		"publicKey": map[string]interface{}{
			"id":           fmt.Sprintf("%s#main-key", getIRI(domain, acc.Username, id)),
			"owner":        getIRI(domain, acc.Username, id),
			"publicKeyPem": acc.WebPublicKey,
		},
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return "{}", err
	}
	return string(jsonBytes), nil
}

// workoutDocument renders a public workout as an ActivityPub Note.
func (s *Server) workoutDocument(workoutId uuid.UUID) (string, error) {
	workout, err := s.store.ReadWorkoutById(workoutId)
	if err != nil {
		return "{}", err
	}

	acc, err := s.store.ReadAccById(workout.UserId)
	if err != nil {
		return "{}", err
	}

	domain := s.conf.Conf.SslDomain
	actorURI := getIRI(domain, acc.Username, id)
	workoutURI := fmt.Sprintf("https://%s/workouts/%s", domain, workout.Id.String())

	doc := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           workoutURI,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      workout.Title,
		"published":    workout.CreatedAt.Format(time.RFC3339),
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
		"cc": []string{
			getIRI(domain, acc.Username, followers),
		},
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return "{}", err
	}
	return string(jsonBytes), nil
}
