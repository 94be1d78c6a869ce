package ssrf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckURL_RejectsNonHTTPScheme(t *testing.T) {
	err := CheckURL(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)
}

func TestCheckURL_RejectsLoopbackLiteral(t *testing.T) {
	err := CheckURL(context.Background(), "http://127.0.0.1/admin")
	assert.Error(t, err)
}

func TestCheckURL_RejectsLocalhostHostname(t *testing.T) {
	err := CheckURL(context.Background(), "http://localhost:8080/")
	assert.Error(t, err)
}

func TestCheckURL_RejectsInternalTLD(t *testing.T) {
	err := CheckURL(context.Background(), "https://db.internal/query")
	assert.Error(t, err)
}

func TestCheckURL_RejectsCloudMetadataAddress(t *testing.T) {
	err := CheckURL(context.Background(), "http://169.254.169.254/latest/meta-data/")
	assert.Error(t, err)
}

func TestCheckURL_RejectsPrivateRFC1918(t *testing.T) {
	for _, host := range []string{"10.0.0.5", "172.16.0.5", "192.168.1.5"} {
		err := CheckURL(context.Background(), "http://"+host+"/")
		assert.Errorf(t, err, "expected %s to be blocked", host)
	}
}

func TestCheckURL_RejectsCGNATRange(t *testing.T) {
	err := CheckURL(context.Background(), "http://100.64.0.1/")
	assert.Error(t, err)
}

func TestCheckURL_RejectsOctalEncodedLoopback(t *testing.T) {
	err := CheckURL(context.Background(), "http://0177.0.0.1/")
	assert.Error(t, err)
}

func TestCheckURL_RejectsHexEncodedLoopback(t *testing.T) {
	err := CheckURL(context.Background(), "http://0x7f.0.0.1/")
	assert.Error(t, err)
}

func TestCheckURL_RejectsIPv6Loopback(t *testing.T) {
	err := CheckURL(context.Background(), "http://[::1]/")
	assert.Error(t, err)
}

func TestCheckURL_RejectsIPv6UniqueLocal(t *testing.T) {
	err := CheckURL(context.Background(), "http://[fc00::1]/")
	assert.Error(t, err)
}

func TestCheckURL_AllowsPublicIPLiteral(t *testing.T) {
	err := CheckURL(context.Background(), "https://93.184.216.34/")
	assert.NoError(t, err)
}

func TestCheckURL_RejectsMissingHostname(t *testing.T) {
	err := CheckURL(context.Background(), "http:///path")
	assert.Error(t, err)
}
