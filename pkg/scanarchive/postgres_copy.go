package scanarchive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// savePostgres streams the points into PostgreSQL with COPY to keep large
// scans fast.  Point rows are fresh per generated scan ID, so they go
// straight into scan_points with no conflict handling.  The helper stays
// connection-local so the scan row and the COPY share one session.
func (a *Archive) savePostgres(ctx context.Context, scan Scan, points []PointRow) error {
	conn, err := a.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("scanarchive: open postgres connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, a.insertScanSQL(),
		scan.ID, scan.StartedAt, scan.Field, scan.Gas, scan.EnergyKeV,
		scan.MassFromEV, scan.MassToEV, scan.Points, scan.StepMM,
		scan.SamplesPerStep, scan.Coupling, scan.MeanP, scan.PeakP,
		scan.PeakMassEV, scan.Warnings); err != nil {
		return fmt.Errorf("scanarchive: insert scan: %w", err)
	}

	rows := make([][]interface{}, 0, len(points))
	for _, p := range points {
		rows = append(rows, []interface{}{
			p.ScanID, p.Idx, p.MassEV, p.P, p.Sigma, p.ElapsedMS,
			boolToInt(p.Warning),
		})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{"scan_points"},
			[]string{"scan_id", "idx", "mass_ev", "p", "sigma", "elapsed_ms", "warning"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if copyErr == nil {
		return nil
	}

	// Drop the half-written scan row so a retry gets a clean slate; a
	// detached context keeps the cleanup alive when the caller's context
	// is already cancelled.
	dropCtx, dropCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dropCancel()
	_, _ = conn.ExecContext(dropCtx, `DELETE FROM scans WHERE id = $1`, scan.ID)
	return fmt.Errorf("scanarchive: copy points: %w", copyErr)
}
