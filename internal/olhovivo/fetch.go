package olhovivo

import (
	"context"
	"net/url"
	"strings"
)

// Lines searches lines by term; an empty term asks for everything the API
// is willing to return.
func (c *Client) Lines(ctx context.Context, term string) (Payload[[]Line], error) {
	return getJSON[[]Line](ctx, c, "lines", "/Linha/Buscar", url.Values{"termosBusca": {term}})
}

func (c *Client) Corridors(ctx context.Context) (Payload[[]Corridor], error) {
	return getJSON[[]Corridor](ctx, c, "corridors", "/Corredor", nil)
}

func (c *Client) Companies(ctx context.Context) (Payload[CompanyListing], error) {
	return getJSON[CompanyListing](ctx, c, "companies", "/Empresa", nil)
}

func (c *Client) StopsByLine(ctx context.Context, lineCode Code) (Payload[[]Stop], error) {
	return getJSON[[]Stop](ctx, c, "stops by line", "/Parada/BuscarParadasPorLinha",
		url.Values{"codigoLinha": {lineCode.String()}})
}

func (c *Client) StopsByCorridor(ctx context.Context, corridorCode Code) (Payload[[]Stop], error) {
	return getJSON[[]Stop](ctx, c, "stops by corridor", "/Parada/BuscarParadasPorCorredor",
		url.Values{"codigoCorredor": {corridorCode.String()}})
}

// Positions fetches the bulk snapshot of every located vehicle.
func (c *Client) Positions(ctx context.Context) (Payload[Positions], error) {
	return getJSON[Positions](ctx, c, "positions", "/Posicao", nil)
}

func (c *Client) PositionsByLine(ctx context.Context, lineCode Code) (Payload[LineVehicles], error) {
	return getJSON[LineVehicles](ctx, c, "positions by line", "/Posicao/Linha",
		url.Values{"codigoLinha": {lineCode.String()}})
}

func (c *Client) PositionsByGarage(ctx context.Context, companyCode Code) (Payload[Positions], error) {
	return getJSON[Positions](ctx, c, "positions by garage", "/Posicao/Garagem",
		url.Values{"codigoEmpresa": {companyCode.String()}})
}

// KMZ downloads a map layer. An empty variant is the base /KMZ layer.
func (c *Client) KMZ(ctx context.Context, variant string) ([]byte, error) {
	path := "/KMZ"
	if variant != "" {
		path += "/" + strings.Trim(variant, "/")
	}
	return c.get(ctx, "kmz "+path, path, nil)
}
