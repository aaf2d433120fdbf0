package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// CandidateSessionKey returns the cache key for a candidate's login session (JTI).
func (r *CacheKeyStruct) CandidateSessionKey(email string) string {
	return fmt.Sprintf("login:%s", email)
}

// SubmissionStartKey returns the cache key for a submission's authoritative start time.
func (r *CacheKeyStruct) SubmissionStartKey(formID, candidateEmail string) string {
	return fmt.Sprintf("form:%s:candidate:%s:session_start", formID, candidateEmail)
}

// SubmissionTagKey returns the read-cache tag key for a candidate's submission.
// Deleting it invalidates any cached view of the submission for that form.
func (r *CacheKeyStruct) SubmissionTagKey(formID, candidateEmail string) string {
	return fmt.Sprintf("form:%s:candidate:%s:submission", formID, candidateEmail)
}

// WarningCountKey returns the cache key mirroring a submission's warning count.
func (r *CacheKeyStruct) WarningCountKey(formID, candidateEmail string) string {
	return fmt.Sprintf("form:%s:candidate:%s:warnings", formID, candidateEmail)
}

// FormPayloadKey returns the cache key for a form's candidate-facing payload.
func (r *CacheKeyStruct) FormPayloadKey(formID string) string {
	return fmt.Sprintf("form:%s:payload", formID)
}

// FormDurationKey returns the cache key for a form's duration in seconds.
func (r *CacheKeyStruct) FormDurationKey(formID string) string {
	return fmt.Sprintf("form:%s:duration", formID)
}

// FormMonitorChannel returns the Redis PubSub channel name for a form's
// live proctoring event feed.
func (r *CacheKeyStruct) FormMonitorChannel(formID string) string {
	return fmt.Sprintf("form:%s:monitor", formID)
}

var CacheKey = NewCacheKeyStruct()
