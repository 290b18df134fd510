// Package export writes daily step records as Parquet for offline analysis.
package export

import (
	"fmt"
	"io"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"example.com/stepcount/internal/domain"
)

type dailyRecordRow struct {
	UserID        string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Date          string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	StepCount     int64   `parquet:"name=step_count, type=INT64"`
	Distance      float64 `parquet:"name=distance_km, type=DOUBLE"`
	Calories      int64   `parquet:"name=calories, type=INT64"`
	ActiveMinutes int64   `parquet:"name=active_minutes, type=INT64"`
	FloorsClimbed int64   `parquet:"name=floors_climbed, type=INT64"`
	UpdatedAtUnix int64   `parquet:"name=updated_at_unix_ms, type=INT64"`
}

// MarshalDailyRecords encodes records as a Snappy-compressed Parquet file.
func MarshalDailyRecords(records []domain.DailyStepRecord) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(dailyRecordRow), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		row := dailyRecordRow{
			UserID:        r.UserID,
			Date:          r.Date.String(),
			StepCount:     int64(r.StepCount),
			Distance:      r.Distance,
			Calories:      int64(r.Calories),
			ActiveMinutes: int64(r.ActiveMinutes),
			FloorsClimbed: int64(r.FloorsClimbed),
		}
		if !r.UpdatedAt.IsZero() {
			row.UpdatedAtUnix = r.UpdatedAt.UnixMilli()
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write row %s/%s: %w", r.UserID, r.Date, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish parquet file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// WriteDailyRecords encodes records to w.
func WriteDailyRecords(w io.Writer, records []domain.DailyStepRecord) error {
	data, err := MarshalDailyRecords(records)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
