package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/alb"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/cas"

	autocert "github.com/caasmo/aliyun-autocert"
)

const listPageSize = 100

// CertStore is the cloud certificate store.
type CertStore interface {
	// ListUploaded returns every user uploaded certificate.
	ListUploaded(ctx context.Context) ([]autocert.CertificateBundle, error)
	Upload(ctx context.Context, name, certPEM, keyPEM string) (autocert.CertificateBundle, error)
	Delete(ctx context.Context, certID string) error
}

// ListenerUpdater points a load balancer listener at a certificate.
type ListenerUpdater interface {
	UpdateListenerCertificate(ctx context.Context, listenerID, certificateID string) error
}

// AliCAS implements CertStore on Alibaba Cloud Certificate Management Service.
type AliCAS struct {
	api *cas.Client
}

// NewAliCAS creates a CAS client with an AccessKey pair.
func NewAliCAS(regionID, accessKeyID, accessKeySecret string) (*AliCAS, error) {
	api, err := cas.NewClientWithAccessKey(regionID, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("deploy: create CAS client: %w", err)
	}
	return &AliCAS{api: api}, nil
}

func (c *AliCAS) ListUploaded(ctx context.Context) ([]autocert.CertificateBundle, error) {
	var bundles []autocert.CertificateBundle
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		request := cas.CreateListUserCertificateOrderRequest()
		request.OrderType = "UPLOAD"
		request.CurrentPage = requests.NewInteger(page)
		request.ShowSize = requests.NewInteger(listPageSize)

		response, err := c.api.ListUserCertificateOrder(request)
		if err != nil {
			return nil, err
		}
		for _, item := range response.CertificateOrderList {
			b := autocert.CertificateBundle{
				CertID:     strconv.FormatInt(item.CertificateId, 10),
				Name:       item.Name,
				CommonName: item.CommonName,
			}
			for _, san := range strings.Split(item.Sans, ",") {
				if san = strings.TrimSpace(san); san != "" {
					b.Domains = append(b.Domains, san)
				}
			}
			bundles = append(bundles, b)
		}
		if len(response.CertificateOrderList) == 0 || int64(page*listPageSize) >= response.TotalCount {
			return bundles, nil
		}
	}
}

func (c *AliCAS) Upload(ctx context.Context, name, certPEM, keyPEM string) (autocert.CertificateBundle, error) {
	if err := ctx.Err(); err != nil {
		return autocert.CertificateBundle{}, err
	}
	request := cas.CreateUploadUserCertificateRequest()
	request.Name = name
	request.Cert = certPEM
	request.Key = keyPEM

	response, err := c.api.UploadUserCertificate(request)
	if err != nil {
		return autocert.CertificateBundle{}, err
	}
	if response.CertId == 0 {
		return autocert.CertificateBundle{}, fmt.Errorf("deploy: UploadUserCertificate returned no CertId (request %s)", response.RequestId)
	}
	return autocert.CertificateBundle{
		CertID:     strconv.FormatInt(response.CertId, 10),
		ResourceID: uploadResourceID(response.GetHttpContentBytes()),
		Name:       name,
	}, nil
}

// uploadResourceID reads ResourceId from a raw UploadUserCertificate body.
// The typed response does not carry it; an empty result makes the listener
// update fall back to the certificate id.
func uploadResourceID(body []byte) string {
	var payload struct {
		ResourceId json.RawMessage `json:"ResourceId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.ResourceId) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload.ResourceId, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(payload.ResourceId, &n); err == nil {
		return n.String()
	}
	return ""
}

func (c *AliCAS) Delete(ctx context.Context, certID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	request := cas.CreateDeleteUserCertificateRequest()
	request.CertId = requests.Integer(certID)
	_, err := c.api.DeleteUserCertificate(request)
	return err
}

// AliALB implements ListenerUpdater on Alibaba Cloud Application Load Balancer.
type AliALB struct {
	api *alb.Client
}

// NewAliALB creates an ALB client with an AccessKey pair.
func NewAliALB(regionID, accessKeyID, accessKeySecret string) (*AliALB, error) {
	api, err := alb.NewClientWithAccessKey(regionID, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("deploy: create ALB client: %w", err)
	}
	return &AliALB{api: api}, nil
}

func (a *AliALB) UpdateListenerCertificate(ctx context.Context, listenerID, certificateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	request := alb.CreateUpdateListenerAttributeRequest()
	request.ListenerId = listenerID
	request.Certificates = &[]alb.UpdateListenerAttributeCertificates{{CertificateId: certificateID}}
	_, err := a.api.UpdateListenerAttribute(request)
	return err
}
