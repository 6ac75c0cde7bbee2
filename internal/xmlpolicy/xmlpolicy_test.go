package xmlpolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carplatform/vhalguard/internal/powercomponent"
)

const sampleXML = `<?xml version="1.0" encoding="utf-8"?>
<vendorPowerPolicy>
  <powerPolicy id="vendor_regular_A" otherComponents="untouched">
    <component id="AUDIO" state="on"/>
    <component id="WIFI" state="off"/>
    <component customId="1001" state="on"/>
  </powerPolicy>
  <powerPolicyGroup id="vendor_group_1">
    <waitForVhal>system:initial_on</waitForVhal>
    <on>vendor_regular_A</on>
  </powerPolicyGroup>
  <noUserInteractionOverride>
    <enable>BLUETOOTH,NFC</enable>
  </noUserInteractionOverride>
</vendorPowerPolicy>
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "power_policy.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o644))
	return path
}

func TestLoadParsesPolicyAndGroup(t *testing.T) {
	doc, err := Load(writeSample(t))
	require.NoError(t, err)
	require.Len(t, doc.Policies, 1)

	p := doc.Policies[0]
	require.Equal(t, "vendor_regular_A", p.ID)
	require.Contains(t, p.EnabledStandard, powercomponent.Audio)
	require.Contains(t, p.DisabledStandard, powercomponent.WiFi)
	require.Contains(t, p.EnabledCustom, int32(1001))

	require.Len(t, doc.Groups, 1)
	require.Equal(t, "system:initial_on", doc.Groups[0].PolicyForWait)
	require.Equal(t, "vendor_regular_A", doc.Groups[0].PolicyForOn)

	require.Contains(t, doc.NoUserInteractionAdd, powercomponent.Bluetooth)
	require.Contains(t, doc.NoUserInteractionAdd, powercomponent.NFC)
}

func TestLoadRejectsSystemPrefixedID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.xml")
	xml := `<vendorPowerPolicy><powerPolicy id="system:sneaky"/></vendorPowerPolicy>`
	require.NoError(t, os.WriteFile(path, []byte(xml), 0o644))

	doc, err := Load(path)
	require.NoError(t, err, "a malformed single policy must not fail the whole file")
	require.Empty(t, doc.Policies)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/power_policy.xml")
	require.Error(t, err)
}
