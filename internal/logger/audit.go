package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	auditMu  sync.Mutex
	auditLog *log.Logger
)

// SetAuditWriter 设置对账审计日志的输出（nil 表示关闭）。
func SetAuditWriter(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if w == nil {
		auditLog = nil
		return
	}
	auditLog = log.New(w, "", log.LstdFlags|log.LUTC)
}

// AuditField 是审计记录中的一行 key=value。
type AuditField struct {
	Key   string
	Value string
}

// Audit 写入一条审计记录，例如歧义边界的裁决结果。
func Audit(kind, subject string, fields ...AuditField) {
	auditMu.Lock()
	l := auditLog
	auditMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[AUDIT]")
	if kind != "" {
		b.WriteString("[")
		b.WriteString(kind)
		b.WriteString("]")
	}
	if subject != "" {
		b.WriteString("[")
		b.WriteString(subject)
		b.WriteString("]")
	}
	for _, f := range fields {
		k := strings.TrimSpace(f.Key)
		if k == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(f.Value)
	}
	l.Print(b.String())
}
