package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUploadResourceID(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "string resource id",
			body: `{"RequestId":"F9E6A1B0-1111-4E3A-9C1B-5E2C0D3F2A10","CertId":12345678,"ResourceId":"12345678-cn-hangzhou"}`,
			want: "12345678-cn-hangzhou",
		},
		{
			name: "numeric resource id",
			body: `{"RequestId":"r","CertId":12345678,"ResourceId":12345678}`,
			want: "12345678",
		},
		{
			name: "absent",
			body: `{"RequestId":"r","CertId":12345678}`,
			want: "",
		},
		{
			name: "null",
			body: `{"RequestId":"r","CertId":12345678,"ResourceId":null}`,
			want: "",
		},
		{
			name: "not json",
			body: `<Error/>`,
			want: "",
		},
		{
			name: "empty body",
			body: ``,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uploadResourceID([]byte(tt.body)))
		})
	}
}
