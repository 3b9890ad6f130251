package entrymgr

import (
	"sync"
	"testing"

	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/outofoffice3/tap-handlers/internal/shared"
	"github.com/stretchr/testify/assert"
)

func TestEntryMgr(t *testing.T) {
	assertion := assert.New(t)

	em := Init()
	assertion.NotNil(em)
	assertion.Equal(0, em.Len())

	for _, compliance := range []configServiceTypes.ComplianceType{
		configServiceTypes.ComplianceTypeInsufficientData,
		configServiceTypes.ComplianceTypeCompliant,
		configServiceTypes.ComplianceTypeNonCompliant,
		configServiceTypes.ComplianceTypeNotApplicable,
	} {
		err := em.Add(shared.ExecutionLogEntry{
			Compliance: string(compliance),
			Arn:        string(compliance) + "Arn",
		})
		assertion.NoError(err)

		entries, err := em.GetEntries(string(compliance))
		assertion.NoError(err)
		assertion.Len(entries, 1)
		assertion.Equal(string(compliance)+"Arn", entries[0].Arn)
	}
	assertion.Equal(4, em.Len())

	// errors
	err := em.Add(shared.ExecutionLogEntry{Compliance: "UNKNOWN"})
	assertion.Error(err)
	entries, err := em.GetEntries("UNKNOWN")
	assertion.Error(err)
	assertion.Nil(entries)
}

func TestEntryMgrConcurrentAdd(t *testing.T) {
	assertion := assert.New(t)
	em := NewEntryMgr()

	wg := &sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			em.Add(shared.ExecutionLogEntry{Compliance: string(configServiceTypes.ComplianceTypeCompliant)})
		}()
	}
	wg.Wait()

	entries, err := em.GetEntries(string(configServiceTypes.ComplianceTypeCompliant))
	assertion.NoError(err)
	assertion.Len(entries, 100)
}
