package errormgr

import (
	"strings"
	"sync"
)

// ErrorMgr collects errors produced by concurrent workers.
type ErrorMgr interface {
	// drain errorChan until it is closed
	ListenForErrors(errorChan <-chan error)
	StoreError(err error)
	GetErrors() []error
	// rows for the error log, one per error
	Records() [][]string
}

type _ErrorMgr struct {
	mu     sync.Mutex
	errors []error
}

type Error struct {
	AccountId          string
	ResourceType       string
	PolicyDocumentName string
	Message            string
	ResourceArn        string
}

// Error renders every populated field.
func (e Error) Error() string {
	var parts []string
	if e.AccountId != "" {
		parts = append(parts, "AccountId: "+e.AccountId)
	}
	if e.ResourceType != "" {
		parts = append(parts, "ResourceType: "+e.ResourceType)
	}
	if e.PolicyDocumentName != "" {
		parts = append(parts, "PolicyDocumentName: "+e.PolicyDocumentName)
	}
	if e.Message != "" {
		parts = append(parts, "Message: "+e.Message)
	}
	if e.ResourceArn != "" {
		parts = append(parts, "ResourceArn: "+e.ResourceArn)
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, ", ")
}

var Header = []string{"AccountId", "ResourceType", "PolicyDocumentName", "Message", "ResourceArn"}

func NewErrorMgr() ErrorMgr {
	return &_ErrorMgr{
		errors: make([]error, 0),
	}
}

func (em *_ErrorMgr) ListenForErrors(errorChan <-chan error) {
	for err := range errorChan {
		em.StoreError(err)
	}
}

func (em *_ErrorMgr) StoreError(err error) {
	if err == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	em.errors = append(em.errors, err)
}

func (em *_ErrorMgr) GetErrors() []error {
	em.mu.Lock()
	defer em.mu.Unlock()
	errs := make([]error, len(em.errors))
	copy(errs, em.errors)
	return errs
}

// Records returns plain errors in the Message column.
func (em *_ErrorMgr) Records() [][]string {
	errs := em.GetErrors()
	records := make([][]string, 0, len(errs))
	for _, err := range errs {
		if e, ok := err.(Error); ok {
			records = append(records, []string{e.AccountId, e.ResourceType, e.PolicyDocumentName, e.Message, e.ResourceArn})
			continue
		}
		records = append(records, []string{"", "", "", err.Error(), ""})
	}
	return records
}
