package medical

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sultanranait/Claraly/internal/platform/archive"
	"github.com/sultanranait/Claraly/internal/platform/medapi"
	"github.com/sultanranait/Claraly/internal/platform/retry"
)

var ErrInvalidInput = errors.New("invalid input")

// Conversion types accepted by the document URL endpoint.
const (
	ConversionPDF  = "pdf"
	ConversionHTML = "html"
)

// Gateway is the medical API surface the dashboard uses.
type Gateway interface {
	GetOrganization(ctx context.Context) (*medapi.Organization, error)
	CreateOrganization(ctx context.Context, org medapi.Organization) (*medapi.Organization, error)
	UpdateOrganization(ctx context.Context, org medapi.Organization) (*medapi.Organization, error)
	ListFacilities(ctx context.Context) ([]medapi.Facility, error)
	CreateFacility(ctx context.Context, f medapi.Facility) (*medapi.Facility, error)
	UpdateFacility(ctx context.Context, f medapi.Facility) (*medapi.Facility, error)
	ListPatients(ctx context.Context, facilityID string) ([]medapi.Patient, error)
	CreatePatient(ctx context.Context, p medapi.Patient, facilityID string) (*medapi.Patient, error)
	UpdatePatient(ctx context.Context, p medapi.Patient, facilityID string) (*medapi.Patient, error)
	DeletePatient(ctx context.Context, patientID, facilityID string) error
	GetDocumentURL(ctx context.Context, fileName, conversionType string) (*medapi.DocumentURL, error)
	StartConsolidatedQuery(ctx context.Context, patientID string, resources []string, dateFrom, dateTo string) (*medapi.ConsolidatedQuery, error)
	GetConsolidatedQueryStatus(ctx context.Context, patientID string) (*medapi.ConsolidatedQuery, error)
	CountConsolidated(ctx context.Context, patientID string, resources []string) (*medapi.ConsolidatedCount, error)
}

// Dashboard is the landing view: the organization, nil until one is
// created, and its facilities.
type Dashboard struct {
	Organization *medapi.Organization `json:"organization"`
	Facilities   []medapi.Facility    `json:"facilities"`
}

type ConsolidatedRequest struct {
	Resources []string `json:"resources"`
	DateFrom  string   `json:"dateFrom"`
	DateTo    string   `json:"dateTo"`
}

type Service struct {
	api     Gateway
	retrier *retry.Retrier
	archive archive.Archive
	logger  zerolog.Logger
}

func NewService(api Gateway, retrier *retry.Retrier, arch archive.Archive, logger zerolog.Logger) *Service {
	if retrier == nil {
		retrier = retry.New()
	}
	if arch == nil {
		arch = archive.NewLogArchive(logger)
	}
	return &Service{api: api, retrier: retrier, archive: arch, logger: logger}
}

// Dashboard loads the organization and facilities concurrently, each behind
// the retrier. The first failure cancels the other fetch.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	var dash Dashboard
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		org, err := retry.Do(gctx, s.retrier, "dash.organization", s.api.GetOrganization, medapi.IsNetworkError)
		if err != nil {
			return fmt.Errorf("load organization: %w", err)
		}
		dash.Organization = org
		return nil
	})
	g.Go(func() error {
		facilities, err := retry.Do(gctx, s.retrier, "dash.facilities", s.api.ListFacilities, medapi.IsNetworkError)
		if err != nil {
			return fmt.Errorf("load facilities: %w", err)
		}
		dash.Facilities = facilities
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if dash.Facilities == nil {
		dash.Facilities = []medapi.Facility{}
	}
	return &dash, nil
}

func (s *Service) CreateOrganization(ctx context.Context, org medapi.Organization) (*medapi.Organization, error) {
	if strings.TrimSpace(org.Name) == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	return s.api.CreateOrganization(ctx, org)
}

func (s *Service) UpdateOrganization(ctx context.Context, id string, org medapi.Organization) (*medapi.Organization, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrInvalidInput)
	}
	org.ID = id
	return s.api.UpdateOrganization(ctx, org)
}

func (s *Service) ListFacilities(ctx context.Context) ([]medapi.Facility, error) {
	return retry.Do(ctx, s.retrier, "facilities.list", s.api.ListFacilities, medapi.IsNetworkError)
}

func (s *Service) CreateFacility(ctx context.Context, f medapi.Facility) (*medapi.Facility, error) {
	if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.NPI) == "" {
		return nil, fmt.Errorf("%w: facility name and npi are required", ErrInvalidInput)
	}
	return s.api.CreateFacility(ctx, f)
}

func (s *Service) UpdateFacility(ctx context.Context, id string, f medapi.Facility) (*medapi.Facility, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: facility id is required", ErrInvalidInput)
	}
	f.ID = id
	return s.api.UpdateFacility(ctx, f)
}

func (s *Service) ListPatients(ctx context.Context, facilityID string) ([]medapi.Patient, error) {
	if facilityID == "" {
		return nil, fmt.Errorf("%w: facility id is required", ErrInvalidInput)
	}
	return retry.Do(ctx, s.retrier, "patients.list", func(ctx context.Context) ([]medapi.Patient, error) {
		return s.api.ListPatients(ctx, facilityID)
	}, medapi.IsNetworkError)
}

func (s *Service) CreatePatient(ctx context.Context, facilityID string, p medapi.Patient) (*medapi.Patient, error) {
	if facilityID == "" {
		return nil, fmt.Errorf("%w: facility id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" || p.DOB == "" {
		return nil, fmt.Errorf("%w: first name, last name and dob are required", ErrInvalidInput)
	}
	return s.api.CreatePatient(ctx, p, facilityID)
}

func (s *Service) UpdatePatient(ctx context.Context, facilityID, patientID string, p medapi.Patient) (*medapi.Patient, error) {
	if facilityID == "" || patientID == "" {
		return nil, fmt.Errorf("%w: facility and patient ids are required", ErrInvalidInput)
	}
	p.ID = patientID
	return s.api.UpdatePatient(ctx, p, facilityID)
}

func (s *Service) DeletePatient(ctx context.Context, facilityID, patientID string) error {
	if facilityID == "" || patientID == "" {
		return fmt.Errorf("%w: facility and patient ids are required", ErrInvalidInput)
	}
	return s.api.DeletePatient(ctx, patientID, facilityID)
}

// DocumentURL returns a short-lived download link. conversionType defaults
// to pdf.
func (s *Service) DocumentURL(ctx context.Context, fileName, conversionType string) (*medapi.DocumentURL, error) {
	if strings.TrimSpace(fileName) == "" {
		return nil, fmt.Errorf("%w: fileName is required", ErrInvalidInput)
	}
	switch conversionType {
	case "":
		conversionType = ConversionPDF
	case ConversionPDF, ConversionHTML:
	default:
		return nil, fmt.Errorf("%w: conversionType must be html or pdf", ErrInvalidInput)
	}
	return retry.Do(ctx, s.retrier, "documents.url", func(ctx context.Context) (*medapi.DocumentURL, error) {
		return s.api.GetDocumentURL(ctx, fileName, conversionType)
	}, medapi.IsNetworkError)
}

func (s *Service) CountConsolidated(ctx context.Context, patientID string, resources []string) (*medapi.ConsolidatedCount, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	return s.api.CountConsolidated(ctx, patientID, resources)
}

func (s *Service) StartConsolidated(ctx context.Context, patientID string, req ConsolidatedRequest) (*medapi.ConsolidatedQuery, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	return retry.Do(ctx, s.retrier, "consolidated.start", func(ctx context.Context) (*medapi.ConsolidatedQuery, error) {
		return s.api.StartConsolidatedQuery(ctx, patientID, req.Resources, req.DateFrom, req.DateTo)
	}, medapi.IsNetworkError)
}

func (s *Service) ConsolidatedStatus(ctx context.Context, patientID string) (*medapi.ConsolidatedQuery, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	return s.api.GetConsolidatedQueryStatus(ctx, patientID)
}

func (s *Service) LatestConsolidated(ctx context.Context, patientID string) (*archive.Record, error) {
	return s.archive.Latest(ctx, patientID)
}
