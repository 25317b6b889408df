package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/RealZimboGuy/campaignflow/test/integration"
)

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, h *integration.Harness)) {
	t.Setenv("CFLOW_DATABASE_TYPE", "SQLLITE")
	t.Setenv("CFLOW_DATABASE_SQLLITE_FILE_NAME", filepath.Join(t.TempDir(), "campaignflow-test.db"))
	t.Setenv("CFLOW_CONTACT_STORE", "memory")
	t.Setenv("CFLOW_EVENT_BUS", "gochannel")
	testFunc(t, integration.StartApp(t, integration.Contacts()...))
}

func TestNurtureCampaign(t *testing.T) {
	runTestWithSetup(t, integration.RunNurtureCampaign)
}

func TestDuplicateTrigger(t *testing.T) {
	runTestWithSetup(t, integration.RunDuplicateTrigger)
}

func TestPauseResumeArchive(t *testing.T) {
	runTestWithSetup(t, integration.RunPauseResumeArchive)
}

func TestRejectsInvalidInput(t *testing.T) {
	runTestWithSetup(t, integration.RunRejectsInvalidInput)
}
