// Package curated derives secondary datasets from raw Olho Vivo payloads.
package curated

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"olhovivo-collector/internal/olhovivo"
)

// Category is where exported feeds live under the data root.
const Category = "curated/gtfsrt"

// VehiclePositions converts a position snapshot into a GTFS-Realtime
// VehiclePositions feed. Route ids are the public line signs; direction 1/2
// maps to GTFS direction 0/1.
func VehiclePositions(snap olhovivo.Positions, at time.Time) *gtfs.FeedMessage {
	entities := make([]*gtfs.FeedEntity, 0, snap.VehicleCount())
	for _, line := range snap.Lines {
		for _, v := range line.Vehicles {
			entities = append(entities, vehicleEntity(line, v))
		}
	}

	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(at.Unix())),
		},
		Entity: entities,
	}
}

func vehicleEntity(line olhovivo.LinePositions, v olhovivo.Vehicle) *gtfs.FeedEntity {
	prefix := v.Prefix.String()

	trip := &gtfs.TripDescriptor{RouteId: proto.String(line.Sign)}
	if line.Direction == 1 || line.Direction == 2 {
		trip.DirectionId = proto.Uint32(uint32(line.Direction - 1))
	}

	vp := &gtfs.VehiclePosition{
		Trip: trip,
		Vehicle: &gtfs.VehicleDescriptor{
			Id:    proto.String(prefix),
			Label: proto.String(prefix),
		},
		Position: &gtfs.Position{
			Latitude:  proto.Float32(float32(v.Lat)),
			Longitude: proto.Float32(float32(v.Lon)),
		},
	}
	if ts, err := time.Parse(time.RFC3339, v.ReportedAt); err == nil {
		vp.Timestamp = proto.Uint64(uint64(ts.Unix()))
	}

	return &gtfs.FeedEntity{
		Id:      proto.String(line.Code.String() + ":" + prefix),
		Vehicle: vp,
	}
}

// MergeLineVehicles rebuilds a bulk-shaped snapshot out of per-line answers,
// taking sign and direction from the line listing.
func MergeLineVehicles(lines []olhovivo.Line, byLine map[olhovivo.Code]olhovivo.LineVehicles) olhovivo.Positions {
	var snap olhovivo.Positions
	for _, l := range lines {
		lv, ok := byLine[l.Code]
		if !ok || len(lv.Vehicles) == 0 {
			continue
		}
		if snap.Hour == "" {
			snap.Hour = lv.Hour
		}
		snap.Lines = append(snap.Lines, olhovivo.LinePositions{
			Sign:         l.Sign(),
			Code:         l.Code,
			Direction:    l.Direction,
			VehicleCount: len(lv.Vehicles),
			Vehicles:     lv.Vehicles,
		})
	}
	return snap
}

// Encode serializes a feed as binary protobuf, or text format for debugging.
func Encode(feed *gtfs.FeedMessage, humanReadable bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if humanReadable {
		data, err = prototext.Marshal(feed)
	} else {
		data, err = proto.Marshal(feed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to protobuf: %w", err)
	}
	return data, nil
}
