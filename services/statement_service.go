package services

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

//go:embed templates/payout_statement.html
var statementFS embed.FS

var statementTemplate = template.Must(template.ParseFS(statementFS, "templates/payout_statement.html"))

const statementTimeout = 2 * time.Minute

type StatementRenderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

type StatementUploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// StatementService renders a PDF statement for each dispatched weekly batch
// and stores its URL on the batch.
type StatementService struct {
	store     *TransferStore
	directory *Directory
	renderer  StatementRenderer
	uploader  StatementUploader
	wg        sync.WaitGroup
}

func NewStatementService(store *TransferStore, directory *Directory, renderer StatementRenderer, uploader StatementUploader) *StatementService {
	return &StatementService{store: store, directory: directory, renderer: renderer, uploader: uploader}
}

// Schedule generates the statement in the background. Failures are logged
// and never affect the batch itself.
func (s *StatementService) Schedule(batch models.WeeklyPayoutBatch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), statementTimeout)
		defer cancel()

		if _, err := s.Generate(ctx, batch.ID); err != nil {
			log.Printf("🔥 Failed to generate payout statement for batch %s: %v", batch.ID, err)
		}
	}()
}

// Wait blocks until scheduled statements are done.
func (s *StatementService) Wait() {
	s.wg.Wait()
}

func (s *StatementService) Generate(ctx context.Context, batchID uuid.UUID) (string, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	members, err := s.store.BatchMembers(ctx, batchID)
	if err != nil {
		return "", err
	}
	detailer, err := s.directory.Detailer(ctx, batch.DetailerID)
	if err != nil {
		return "", err
	}

	html, err := renderStatementHTML(batch, detailer, members)
	if err != nil {
		return "", fmt.Errorf("render statement html: %w", err)
	}
	pdf, err := s.renderer.RenderPDF(ctx, html)
	if err != nil {
		return "", fmt.Errorf("render statement pdf: %w", err)
	}
	url, err := s.uploader.Upload(ctx, fmt.Sprintf("statement_%s_%s", batch.WeekStartDate.Format(dateLayout), batch.ID), pdf)
	if err != nil {
		return "", fmt.Errorf("upload statement: %w", err)
	}
	if err := s.store.SetStatementURL(ctx, batch.ID, url); err != nil {
		return "", err
	}

	log.Printf("✅ Payout statement for batch %s uploaded", batch.ID)
	return url, nil
}

type statementLine struct {
	BookingID string
	Date      string
	Gross     string
	Fee       string
	Payout    string
}

func renderStatementHTML(batch *models.WeeklyPayoutBatch, detailer *models.Detailer, members []models.TransferRecord) (string, error) {
	var gross, fee int64
	lines := make([]statementLine, 0, len(members))
	for _, m := range members {
		gross += m.GrossAmount
		fee += m.PlatformFee
		lines = append(lines, statementLine{
			BookingID: m.BookingID.String(),
			Date:      m.CreatedAt.Format("Jan 2, 2006"),
			Gross:     formatMinor(m.GrossAmount, m.Currency),
			Fee:       formatMinor(m.PlatformFee, m.Currency),
			Payout:    formatMinor(m.Amount, m.Currency),
		})
	}

	data := struct {
		DetailerName string
		WeekStart    string
		WeekEnd      string
		TransferID   string
		Lines        []statementLine
		Count        int
		Gross        string
		Fee          string
		Total        string
	}{
		DetailerName: detailer.FullName,
		WeekStart:    batch.WeekStartDate.Format("January 2, 2006"),
		WeekEnd:      batch.WeekEndDate.Format("January 2, 2006"),
		TransferID:   deref(batch.ProcessorTransferID),
		Lines:        lines,
		Count:        len(lines),
		Gross:        formatMinor(gross, batch.Currency),
		Fee:          formatMinor(fee, batch.Currency),
		Total:        formatMinor(batch.TotalAmount, batch.Currency),
	}

	var rendered bytes.Buffer
	if err := statementTemplate.Execute(&rendered, data); err != nil {
		return "", err
	}
	return rendered.String(), nil
}

func formatMinor(amount int64, currency string) string {
	return decimal.New(amount, -2).StringFixed(2) + " " + strings.ToUpper(currency)
}

// ChromePDFRenderer prints HTML to PDF with a headless Chrome.
type ChromePDFRenderer struct{}

func (ChromePDFRenderer) RenderPDF(ctx context.Context, htmlContent string) ([]byte, error) {
	ctx, cancel := chromedp.NewContext(ctx)
	defer cancel()

	var pdfBuffer []byte
	err := chromedp.Run(ctx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, htmlContent).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			pdf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			pdfBuffer = pdf
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return pdfBuffer, nil
}

type CloudinaryUploader struct {
	cld    *cloudinary.Cloudinary
	folder string
}

func NewCloudinaryUploader(cloudinaryURL string) (*CloudinaryUploader, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("configure cloudinary: %w", err)
	}
	return &CloudinaryUploader{cld: cld, folder: "detailer_payout_statements"}, nil
}

func (u *CloudinaryUploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	uploadParams := uploader.UploadParams{
		PublicID:     name,
		Folder:       u.folder,
		ResourceType: "raw",
	}

	uploadResult, err := u.cld.Upload.Upload(ctx, bytes.NewReader(data), uploadParams)
	if err != nil {
		return "", err
	}
	return uploadResult.SecureURL, nil
}
