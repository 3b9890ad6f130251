package entrymgr

import (
	"errors"
	"sync"

	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

type EntryMgr interface {
	// add entry
	Add(entry shared.ExecutionLogEntry) error
	// get entries
	GetEntries(compliance string) ([]shared.ExecutionLogEntry, error)
	// number of entries across every compliance type
	Len() int
}

type _EntryMgr struct {
	mu      sync.Mutex
	entries map[configServiceTypes.ComplianceType][]shared.ExecutionLogEntry
}

func Init() EntryMgr {
	return NewEntryMgr()
}

// create new entry manager
func NewEntryMgr() EntryMgr {
	return &_EntryMgr{
		entries: map[configServiceTypes.ComplianceType][]shared.ExecutionLogEntry{
			configServiceTypes.ComplianceTypeInsufficientData: {},
			configServiceTypes.ComplianceTypeCompliant:        {},
			configServiceTypes.ComplianceTypeNonCompliant:     {},
			configServiceTypes.ComplianceTypeNotApplicable:    {},
		},
	}
}

// add entry
func (em *_EntryMgr) Add(entry shared.ExecutionLogEntry) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	compliance := configServiceTypes.ComplianceType(entry.Compliance)
	if _, ok := em.entries[compliance]; !ok {
		return errors.New("unknown compliance type [" + entry.Compliance + "]")
	}
	em.entries[compliance] = append(em.entries[compliance], entry)
	return nil
}

// get entries
func (em *_EntryMgr) GetEntries(compliance string) ([]shared.ExecutionLogEntry, error) {
	em.mu.Lock()
	defer em.mu.Unlock()
	entries, ok := em.entries[configServiceTypes.ComplianceType(compliance)]
	if !ok {
		return nil, errors.New("unknown compliance type [" + compliance + "]")
	}
	result := make([]shared.ExecutionLogEntry, len(entries))
	copy(result, entries)
	return result, nil
}

func (em *_EntryMgr) Len() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	total := 0
	for _, entries := range em.entries {
		total += len(entries)
	}
	return total
}
