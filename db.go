package autocert

import "context"

// HistoryWriter stores issuance and deployment history records.
type HistoryWriter interface {
	// AddCert adds a newly issued certificate to the history.
	AddCert(ctx context.Context, cert Cert) error
	// AddDeployment adds a successful listener deployment to the history.
	AddDeployment(ctx context.Context, rec DeploymentRecord) error
}

// HistoryReader reads back what HistoryWriter stored.
type HistoryReader interface {
	LatestCert(ctx context.Context) (*Cert, error)
	LatestDeployment(ctx context.Context) (*DeploymentRecord, error)
}
