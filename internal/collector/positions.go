package collector

import (
	"context"
	"fmt"
	"log"

	"olhovivo-collector/internal/curated"
	"olhovivo-collector/internal/olhovivo"
	"olhovivo-collector/internal/store"
)

// collectPositions tries the bulk snapshot first. If fetching or saving it
// fails the cycle degrades to one request per line and one per company.
// Every cycle starts over in primary mode.
func (cy *cycle) collectPositions(ctx context.Context, lines []olhovivo.Line, companyCodes []olhovivo.Code) error {
	snap, err := cy.primaryPositions(ctx)
	if err == nil {
		cy.report.PositionMode = ModePrimary
		cy.report.Vehicles = snap.VehicleCount()
		cy.exportCurated(ctx, snap)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Printf("collector: bulk positions failed, falling back to per-line and per-garage: %v", err)
	cy.report.PositionMode = ModeDegraded

	byLine, err := cy.fallbackPositions(ctx, lines, companyCodes)
	if err != nil {
		return err
	}
	merged := curated.MergeLineVehicles(lines, byLine)
	cy.report.Vehicles = merged.VehicleCount()
	cy.exportCurated(ctx, merged)
	return nil
}

func (cy *cycle) primaryPositions(ctx context.Context) (olhovivo.Positions, error) {
	got, err := cy.c.api.Positions(ctx)
	if err != nil {
		return olhovivo.Positions{}, fmt.Errorf("fetch positions: %w", err)
	}
	warnMismatch(got.Mismatch)
	if _, err := cy.saveRaw(ctx, store.PositionsGlobal, "posicao", got.Body); err != nil {
		return olhovivo.Positions{}, err
	}
	return got.Value, nil
}

// fallbackPositions issues the degraded requests. Each item is independent;
// only context cancellation stops the batch.
func (cy *cycle) fallbackPositions(ctx context.Context, lines []olhovivo.Line, companyCodes []olhovivo.Code) (map[olhovivo.Code]olhovivo.LineVehicles, error) {
	byLine := make(map[olhovivo.Code]olhovivo.LineVehicles, len(lines))
	p := cy.c.pacer()

	for _, l := range lines {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		got, err := cy.c.api.PositionsByLine(ctx, l.Code)
		if err == nil {
			warnMismatch(got.Mismatch)
			_, err = cy.saveRaw(ctx, store.PositionsLine, "linha_"+l.Code.String(), got.Body)
		}
		if err != nil {
			cy.report.FallbackFailures++
			log.Printf("collector: positions by line %d: %v", l.Code, err)
			continue
		}
		cy.report.FallbackFiles++
		byLine[l.Code] = got.Value
	}

	for _, code := range companyCodes {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		got, err := cy.c.api.PositionsByGarage(ctx, code)
		if err == nil {
			warnMismatch(got.Mismatch)
			_, err = cy.saveRaw(ctx, store.PositionsGarage, "empresa_"+code.String(), got.Body)
		}
		if err != nil {
			cy.report.FallbackFailures++
			log.Printf("collector: positions by garage %d: %v", code, err)
			continue
		}
		cy.report.FallbackFiles++
	}

	return byLine, nil
}

// exportCurated writes the GTFS-Realtime rendition of a snapshot when enabled.
// Failures are logged only.
func (cy *cycle) exportCurated(ctx context.Context, snap olhovivo.Positions) {
	if !cy.c.opts.CuratedGTFSRT {
		return
	}
	feed := curated.VehiclePositions(snap, cy.c.now())
	data, err := curated.Encode(feed, cy.c.opts.CuratedText)
	if err != nil {
		log.Printf("collector: gtfs-rt export: %v", err)
		return
	}
	ext := "pb"
	if cy.c.opts.CuratedText {
		ext = "txt"
	}
	if _, err := cy.saveBinary(ctx, curated.Category, "vehicle_positions", ext, data); err != nil {
		log.Printf("collector: gtfs-rt export: %v", err)
	}
}
