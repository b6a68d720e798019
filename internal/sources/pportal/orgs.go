package pportal

// Organization is a procuring body as coded by the portal search form.
type Organization struct {
	Code string
	Name string
}

// Organizations lists the central government bodies selectable on the
// portal search form.
var Organizations = []Organization{
	{Code: "001", Name: "衆議院"},
	{Code: "002", Name: "参議院"},
	{Code: "003", Name: "最高裁判所"},
	{Code: "004", Name: "会計検査院"},
	{Code: "005", Name: "内閣官房"},
	{Code: "006", Name: "人事院"},
	{Code: "007", Name: "防衛省"},
	{Code: "008", Name: "警察庁"},
	{Code: "009", Name: "総務省"},
	{Code: "010", Name: "内閣府"},
	{Code: "011", Name: "公正取引委員会"},
	{Code: "012", Name: "法務省"},
	{Code: "013", Name: "外務省"},
	{Code: "014", Name: "財務省"},
	{Code: "015", Name: "文部科学省"},
	{Code: "016", Name: "厚生労働省"},
	{Code: "017", Name: "農林水産省"},
	{Code: "019", Name: "経済産業省"},
	{Code: "020", Name: "国土交通省"},
	{Code: "021", Name: "環境省"},
	{Code: "022", Name: "消費者庁"},
	{Code: "023", Name: "個人情報保護委員会"},
	{Code: "024", Name: "復興庁"},
	{Code: "025", Name: "宮内庁"},
	{Code: "026", Name: "金融庁"},
	{Code: "027", Name: "デジタル庁"},
	{Code: "028", Name: "カジノ管理委員会"},
	{Code: "029", Name: "こども家庭庁"},
}

// Procurement type codes of the search form checkboxes.
const (
	ProcurementAnnualPlan       = "01"
	ProcurementRFI              = "02"
	ProcurementOpinion          = "03"
	ProcurementBidDesignatedWTO = "04"
	ProcurementBidWTO           = "05"
	ProcurementAwardWTO         = "06"
	ProcurementNegotiated       = "07"
	ProcurementAwardNegotiated  = "08"
	ProcurementBidDesignated    = "09"
	ProcurementBidNonWTO        = "10"
	ProcurementAwardNonWTO      = "11"
	ProcurementOpenCounter      = "12"
	ProcurementProposal         = "14"
	ProcurementOpenCounterSmall = "15"
)

// DefaultProcurementTypes selects open calls for bids.
var DefaultProcurementTypes = []string{ProcurementBidWTO, ProcurementBidNonWTO, "13"}

// checkboxGroup is the form field a procurement type code is posted under.
func checkboxGroup(code string) string {
	switch code {
	case "01", "02":
		return "searchConditionBean.procurementClaBean.procurementClaBidNotice"
	case "03":
		return "searchConditionBean.procurementClaBean.requestSubmissionMaterials"
	case "04":
		return "searchConditionBean.procurementClaBean.requestComment"
	case "08", "15", "16":
		return "searchConditionBean.procurementClaBean.successfulBidNotice"
	default:
		return "searchConditionBean.procurementClaBean.procurementImplementNotice"
	}
}

// OrgCode resolves a code or an exact organization name to its code.
func OrgCode(nameOrCode string) (string, bool) {
	for _, o := range Organizations {
		if o.Code == nameOrCode || o.Name == nameOrCode {
			return o.Code, true
		}
	}
	return "", false
}
