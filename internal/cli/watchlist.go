package cli

import "tradeagent/internal/models"

// defaultWatchlist is the starter instrument universe. Operators extend it
// directly in the stocks table; seeding never overwrites existing rows.
func defaultWatchlist() []models.Stock {
	return []models.Stock{
		{Ticker: "AAPL", Name: "Apple Inc.", Sector: "Technology", Industry: "Consumer Electronics", Currency: "USD"},
		{Ticker: "MSFT", Name: "Microsoft Corporation", Sector: "Technology", Industry: "Software - Infrastructure", Currency: "USD"},
		{Ticker: "GOOGL", Name: "Alphabet Inc.", Sector: "Communication Services", Industry: "Internet Content & Information", Currency: "USD"},
		{Ticker: "AMZN", Name: "Amazon.com Inc.", Sector: "Consumer Cyclical", Industry: "Internet Retail", Currency: "USD"},
		{Ticker: "NVDA", Name: "NVIDIA Corporation", Sector: "Technology", Industry: "Semiconductors", Currency: "USD"},
		{Ticker: "META", Name: "Meta Platforms Inc.", Sector: "Communication Services", Industry: "Internet Content & Information", Currency: "USD"},
		{Ticker: "TSLA", Name: "Tesla Inc.", Sector: "Consumer Cyclical", Industry: "Auto Manufacturers", Currency: "USD"},
		{Ticker: "JPM", Name: "JPMorgan Chase & Co.", Sector: "Financial Services", Industry: "Banks - Diversified", Currency: "USD"},
		{Ticker: "V", Name: "Visa Inc.", Sector: "Financial Services", Industry: "Credit Services", Currency: "USD"},
		{Ticker: "JNJ", Name: "Johnson & Johnson", Sector: "Healthcare", Industry: "Drug Manufacturers", Currency: "USD"},
		{Ticker: "UNH", Name: "UnitedHealth Group", Sector: "Healthcare", Industry: "Healthcare Plans", Currency: "USD"},
		{Ticker: "XOM", Name: "Exxon Mobil Corporation", Sector: "Energy", Industry: "Oil & Gas Integrated", Currency: "USD"},
		{Ticker: "PG", Name: "Procter & Gamble", Sector: "Consumer Defensive", Industry: "Household Products", Currency: "USD"},
		{Ticker: "KO", Name: "The Coca-Cola Company", Sector: "Consumer Defensive", Industry: "Beverages", Currency: "USD"},
		{Ticker: "ASML", Name: "ASML Holding N.V.", Sector: "Technology", Industry: "Semiconductor Equipment", Currency: "EUR"},
		{Ticker: "SAP", Name: "SAP SE", Sector: "Technology", Industry: "Software - Application", Currency: "EUR"},
		{Ticker: "MC.PA", Name: "LVMH Moet Hennessy", Sector: "Consumer Cyclical", Industry: "Luxury Goods", Currency: "EUR"},
		{Ticker: "SHEL", Name: "Shell plc", Sector: "Energy", Industry: "Oil & Gas Integrated", Currency: "GBP"},
		{Ticker: "AZN", Name: "AstraZeneca PLC", Sector: "Healthcare", Industry: "Drug Manufacturers", Currency: "GBP"},
		{Ticker: "HSBA.L", Name: "HSBC Holdings plc", Sector: "Financial Services", Industry: "Banks - Diversified", Currency: "GBP"},
	}
}
