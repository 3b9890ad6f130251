package exporter

import (
	"context"
	"errors"
	"path"
	"time"

	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/entrymgr"
	"github.com/outofoffice3/tap-handlers/internal/errormgr"
	"github.com/outofoffice3/tap-handlers/internal/shared"
	"github.com/outofoffice3/tap-handlers/internal/writer"
)

// rows are written in this order
var complianceOrder = []configServiceTypes.ComplianceType{
	configServiceTypes.ComplianceTypeInsufficientData,
	configServiceTypes.ComplianceTypeNonCompliant,
	configServiceTypes.ComplianceTypeNotApplicable,
	configServiceTypes.ComplianceTypeCompliant,
}

type Exporter interface {
	// add entry
	Add(entry shared.ComplianceEvaluation) error
	// execution log rows in report order
	Rows() ([][]string, error)
	// write the execution log and error log and upload them under
	// <prefix>/<timestamp>/, returns the uploaded keys
	Export(ctx context.Context, bucket, prefix string) ([]string, error)
	// get logger
	GetLogger() logger.Logger
}

type _Exporter struct {
	writer   writer.Writer
	entryMgr entrymgr.EntryMgr
	errorMgr errormgr.ErrorMgr
	now      func() time.Time
	logger   logger.Logger
}

type ExporterInitConfig struct {
	Writer   writer.Writer
	ErrorMgr errormgr.ErrorMgr
	Now      func() time.Time
	Logger   logger.Logger
}

func Init(config ExporterInitConfig) (Exporter, error) {
	if config.Writer == nil {
		return nil, errors.New("writer is not set")
	}
	sos := config.Logger
	if sos == nil {
		sos = logger.NewConsoleLogger(logger.LogLevelInfo)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &_Exporter{
		writer:   config.Writer,
		entryMgr: entrymgr.Init(),
		errorMgr: config.ErrorMgr,
		now:      now,
		logger:   sos,
	}, nil
}

// add entry
func (e *_Exporter) Add(entry shared.ComplianceEvaluation) error {
	return e.entryMgr.Add(shared.ExecutionLogEntry{
		Timestamp:    entry.Timestamp.Format(time.RFC3339),
		Compliance:   string(entry.ComplianceResult.Compliance),
		Arn:          entry.Arn,
		ResourceType: string(entry.ResourceType),
		Reasons:      shared.JoinReasons(entry.ComplianceResult.Reasons, ";"),
		Message:      entry.ComplianceResult.Message,
		ErrMsg:       entry.ErrMsg,
		AccountId:    entry.AccountId,
	})
}

func (e *_Exporter) Rows() ([][]string, error) {
	var rows [][]string
	for _, compliance := range complianceOrder {
		entries, err := e.entryMgr.GetEntries(string(compliance))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			rows = append(rows, []string{entry.Timestamp, entry.Compliance, entry.Arn, entry.ResourceType, entry.Reasons, entry.Message, entry.ErrMsg, entry.AccountId})
		}
	}
	return rows, nil
}

func (e *_Exporter) Export(ctx context.Context, bucket, prefix string) ([]string, error) {
	sos := e.GetLogger()
	if bucket == "" {
		return nil, errors.New("report bucket is not set")
	}
	rows, err := e.Rows()
	if err != nil {
		return nil, err
	}
	runPrefix := path.Join(prefix, e.now().UTC().Format(time.RFC3339))

	var keys []string
	key, err := e.upload(ctx, bucket, runPrefix, string(shared.ExecutionLogFileName), Header, rows)
	if err != nil {
		sos.Errorf("error exporting execution log : %v", err)
		return keys, err
	}
	keys = append(keys, key)
	sos.Infof("[%v] execution log rows written to [%s/%s]", len(rows), bucket, key)

	if e.errorMgr == nil {
		return keys, nil
	}
	records := e.errorMgr.Records()
	if len(records) == 0 {
		return keys, nil
	}
	key, err = e.upload(ctx, bucket, runPrefix, string(shared.ErrorLogFileName), errormgr.Header, records)
	if err != nil {
		sos.Errorf("error exporting error log : %v", err)
		return keys, err
	}
	keys = append(keys, key)
	sos.Infof("[%v] errors written to [%s/%s]", len(records), bucket, key)
	return keys, nil
}

func (e *_Exporter) upload(ctx context.Context, bucket, prefix, filename string, header []string, rows [][]string) (string, error) {
	fullPath, err := e.writer.WriteCSV(filename, header, rows)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := e.writer.DeleteTempFile(filename); err != nil {
			e.logger.Errorf("error deleting temp file [%s] : %v", filename, err)
		}
	}()
	return e.writer.ExportFileToS3(ctx, bucket, prefix, fullPath)
}

// get logger
func (e *_Exporter) GetLogger() logger.Logger {
	return e.logger
}
