package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	SetLevel("warn")
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	SetLevel("info")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
}

func TestComponentPrefixBecomesAttribute(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	Infof("[canonical] USDJPY@1m 写入 v%d", 2)
	Infof("无前缀")
	Infof("[] 空")

	out := buf.String()
	assert.Contains(t, out, "component=canonical")
	assert.Contains(t, out, `msg="USDJPY@1m 写入 v2"`)
	assert.Contains(t, out, "msg=无前缀")
	assert.Equal(t, 1, strings.Count(out, "component="))
}

func TestAudit(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	defer SetAuditWriter(nil)

	Audit("tiebreak", "USDJPY@1m", AuditField{Key: "rule", Value: "broker-tiebreak"}, AuditField{Key: " "})
	line := buf.String()
	assert.True(t, strings.Contains(line, "[AUDIT][tiebreak][USDJPY@1m] rule=broker-tiebreak"), line)

	SetAuditWriter(nil)
	buf.Reset()
	Audit("tiebreak", "x")
	assert.Empty(t, buf.String())
}
