package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

func TestScopeAndFormat(t *testing.T) {
	at := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		numbering domain.Numbering
		num       Number
		scope     string
		want      string
	}{
		{
			name:      "monthly",
			numbering: domain.Numbering{Prefix: "PO", Scope: domain.NumberScopeMonth, Pattern: domain.PatternMonth},
			num:       Number{Value: 7},
			scope:     "PO/2025/03",
			want:      "PO/2025/03/0007",
		},
		{
			name:      "yearly",
			numbering: domain.Numbering{Prefix: "LV", Scope: domain.NumberScopeYear, Pattern: domain.PatternYear},
			num:       Number{Value: 12345},
			scope:     "LV/2025",
			want:      "LV/2025/12345",
		},
		{
			name:      "custom pattern",
			numbering: domain.Numbering{Prefix: "AMD", Scope: domain.NumberScopeYear, Pattern: "{prefix}-{yyyy}{mm}-{seq:6}"},
			num:       Number{Value: 42},
			scope:     "AMD/2025",
			want:      "AMD-202503-000042",
		},
		{
			name:      "degraded is unpadded",
			numbering: domain.Numbering{Prefix: "PO", Scope: domain.NumberScopeMonth, Pattern: domain.PatternMonth},
			num:       Number{Value: 1700000000000007, Degraded: true},
			scope:     "PO/2025/03",
			want:      "PO/2025/03/1700000000000007",
		},
		{
			name:      "empty pattern falls back to yearly",
			numbering: domain.Numbering{Prefix: "OD"},
			num:       Number{Value: 3},
			scope:     "OD/2025",
			want:      "OD/2025/0003",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.scope, Scope(tt.numbering, at))
			assert.Equal(t, tt.want, Format(tt.numbering, at, tt.num))
		})
	}
}
