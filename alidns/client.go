package alidns

import (
	"context"
	"fmt"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	aliyundns "github.com/aliyun/alibaba-cloud-sdk-go/services/alidns"
)

const describePageSize = 500

// AliClient implements Client on the Alibaba Cloud DNS API.
type AliClient struct {
	api *aliyundns.Client
}

// NewAliClient creates a DNS API client with an AccessKey pair.
func NewAliClient(regionID, accessKeyID, accessKeySecret string) (*AliClient, error) {
	api, err := aliyundns.NewClientWithAccessKey(regionID, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("alidns: create client: %w", err)
	}
	return &AliClient{api: api}, nil
}

func (c *AliClient) AddTXTRecord(ctx context.Context, zone, rr, value string, ttl int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	request := aliyundns.CreateAddDomainRecordRequest()
	request.DomainName = zone
	request.RR = rr
	request.Type = "TXT"
	request.Value = value
	request.TTL = requests.NewInteger(ttl)

	response, err := c.api.AddDomainRecord(request)
	if err != nil {
		return "", err
	}
	if response.RecordId == "" {
		return "", fmt.Errorf("alidns: AddDomainRecord returned no record id (request %s)", response.RequestId)
	}
	return response.RecordId, nil
}

// FindTXTRecords lists TXT records whose host is exactly rr. The API
// keyword search is fuzzy, so results are filtered here.
func (c *AliClient) FindTXTRecords(ctx context.Context, zone, rr string) ([]Record, error) {
	var records []Record
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		request := aliyundns.CreateDescribeDomainRecordsRequest()
		request.DomainName = zone
		request.RRKeyWord = rr
		request.TypeKeyWord = "TXT"
		request.PageNumber = requests.NewInteger(page)
		request.PageSize = requests.NewInteger(describePageSize)

		response, err := c.api.DescribeDomainRecords(request)
		if err != nil {
			return nil, err
		}
		for _, r := range response.DomainRecords.Record {
			if r.RR != rr || r.Type != "TXT" {
				continue
			}
			records = append(records, Record{
				ID:    r.RecordId,
				Zone:  zone,
				RR:    r.RR,
				Type:  r.Type,
				Value: r.Value,
				TTL:   int(r.TTL),
			})
		}
		if len(response.DomainRecords.Record) == 0 || int64(page*describePageSize) >= response.TotalCount {
			return records, nil
		}
	}
}

func (c *AliClient) DeleteRecord(ctx context.Context, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	request := aliyundns.CreateDeleteDomainRecordRequest()
	request.RecordId = recordID
	_, err := c.api.DeleteDomainRecord(request)
	return err
}
