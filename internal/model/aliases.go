package model

// Header aliases per lead attribute, in priority order. Lookups through
// Fields.Lookup are case-insensitive.
var (
	EmailHeaders   = []string{"Email", "E-mail", "Email Address", "Work Email", "Contact Email"}
	NameHeaders    = []string{"Name", "Full Name", "Contact Name", "Contact"}
	CompanyHeaders = []string{"Company", "Company Name", "Organisation", "Organization", "Business"}
	TitleHeaders   = []string{"Title", "Job Title", "Position", "Role"}
	PhoneHeaders   = []string{"Phone", "Phone Number", "Telephone", "Mobile", "Tel"}
	DateHeaders    = []string{"Date", "Lead Date", "Date Added", "Created"}
	ChannelHeaders = []string{"Channel of Lead", "Channel", "Lead Source", "Source"}
	OutcomeHeaders = []string{"Outcome", "Lead Outcome", "Result"}
	SizeHeaders    = []string{"Company Size", "Size", "Employees"}
)
