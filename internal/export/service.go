package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository"
)

// Service renders entity history for download: a single attribute's rows as
// CSV, or the full ledger plus every tracked unit as an XLSX workbook.
type Service struct {
	registry    *domain.PolicyRegistry
	entityRepo  repository.EntityRepository
	clockRepo   repository.ClockRepository
	historyRepo repository.HistoryRepository
}

func NewService(
	registry *domain.PolicyRegistry,
	entityRepo repository.EntityRepository,
	clockRepo repository.ClockRepository,
	historyRepo repository.HistoryRepository,
) *Service {
	return &Service{
		registry:    registry,
		entityRepo:  entityRepo,
		clockRepo:   clockRepo,
		historyRepo: historyRepo,
	}
}

var historyHeader = []string{"vclock", "tick_start", "tick_end", "value"}

// WriteHistoryCSV streams one attribute's history rows, ordered by vclock.
func (s *Service) WriteHistoryCSV(ctx context.Context, w io.Writer, entityID uuid.UUID, attribute string) error {
	entity, err := s.entityRepo.GetByID(ctx, entityID)
	if err != nil {
		return fmt.Errorf("load entity: %w", err)
	}
	rows, err := s.historyRepo.ListByEntityAttribute(ctx, entity.EntityType, entityID, attribute)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(historyHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(historyHeader))
	for _, row := range rows {
		record[0] = fmt.Sprintf("%d", row.Vclock)
		record[1] = row.TickStart.UTC().Format(time.RFC3339Nano)
		record[2] = ""
		if row.TickEnd != nil {
			record[2] = row.TickEnd.UTC().Format(time.RFC3339Nano)
		}
		record[3] = formatValue(row.Value)
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("write history row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	return nil
}

// BuildHistoryWorkbook assembles an XLSX workbook with the clock ledger and
// one sheet per tracked unit of the entity's policy.
func (s *Service) BuildHistoryWorkbook(ctx context.Context, entityID uuid.UUID) (*excelize.File, error) {
	entity, err := s.entityRepo.GetByID(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	policy, ok := s.registry.Lookup(entity.EntityType)
	if !ok {
		return nil, fmt.Errorf("no temporal policy registered for entity type %s", entity.EntityType)
	}

	file := excelize.NewFile()
	const clockSheet = "clock"
	if err := file.SetSheetName("Sheet1", clockSheet); err != nil {
		return nil, fmt.Errorf("rename clock sheet: %w", err)
	}

	records, err := s.clockRepo.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("list clock records: %w", err)
	}
	clockHeader := []any{"tick", "tick_start", "tick_end", "activity_id"}
	if err := writeSheetRow(file, clockSheet, 1, clockHeader); err != nil {
		return nil, err
	}
	for i, record := range records {
		tickEnd := ""
		if record.TickEnd != nil {
			tickEnd = record.TickEnd.UTC().Format(time.RFC3339Nano)
		}
		activity := ""
		if record.ActivityID != nil {
			activity = record.ActivityID.String()
		}
		row := []any{record.Tick, record.TickStart.UTC().Format(time.RFC3339Nano), tickEnd, activity}
		if err := writeSheetRow(file, clockSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	for _, attribute := range policy.TrackedNames() {
		if _, err := file.NewSheet(attribute); err != nil {
			return nil, fmt.Errorf("create sheet %s: %w", attribute, err)
		}
		rows, err := s.historyRepo.ListByEntityAttribute(ctx, entity.EntityType, entityID, attribute)
		if err != nil {
			return nil, fmt.Errorf("list history for %s: %w", attribute, err)
		}
		header := []any{"vclock", "tick_start", "tick_end", "value"}
		if err := writeSheetRow(file, attribute, 1, header); err != nil {
			return nil, err
		}
		for i, historyRow := range rows {
			tickEnd := ""
			if historyRow.TickEnd != nil {
				tickEnd = historyRow.TickEnd.UTC().Format(time.RFC3339Nano)
			}
			row := []any{
				historyRow.Vclock,
				historyRow.TickStart.UTC().Format(time.RFC3339Nano),
				tickEnd,
				formatValue(historyRow.Value),
			}
			if err := writeSheetRow(file, attribute, i+2, row); err != nil {
				return nil, err
			}
		}
	}

	return file, nil
}

func writeSheetRow(file *excelize.File, sheet string, row int, values []any) error {
	for col, value := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := file.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("set cell %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
